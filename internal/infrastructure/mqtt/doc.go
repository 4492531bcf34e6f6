// Package mqtt provides the pub/sub transport for entity channels.
//
// It wraps the Eclipse Paho MQTT client and maps channels (one per node or
// user) onto MQTT topics. The package's distinctive feature is handle-based
// subscriptions: every Subscribe call returns an independent handle, and all
// handles on a channel receive every message published to it. This is what
// lets two browser tabs for the same user each hold a live subscription to
// the same channel.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	sub, err := client.Subscribe("user-1")
//	if err != nil {
//	    return err
//	}
//	defer sub.Unsubscribe()
//
//	for {
//	    payload, ok := sub.Next(100 * time.Millisecond)
//	    if !ok {
//	        continue // timed out or unsubscribed
//	    }
//	    handle(payload)
//	}
//
// # Delivery semantics
//
// Delivery to a handle is best effort: each handle has a bounded buffer and
// messages are dropped for a handle that falls behind, never for its
// siblings. Per-handle ordering follows broker delivery order.
package mqtt
