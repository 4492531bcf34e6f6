package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// timeLayout is the storage format for timestamp columns.
const timeLayout = time.RFC3339Nano

// Repository defines the persistence operations the connection handlers and
// the action dispatcher need. The abstraction keeps handler logic testable
// without a database.
type Repository interface {
	// GetNode retrieves a node by its identifier.
	// Returns ErrNodeNotFound if the node does not exist.
	GetNode(ctx context.Context, id int64) (*Node, error)

	// GetNodeByToken resolves a connection token to its node.
	// Returns ErrTokenNotFound if the token matches no node.
	GetNodeByToken(ctx context.Context, token string) (*Node, error)

	// GetUserByToken resolves a connection token to its user.
	// Returns ErrTokenNotFound if the token matches no user.
	GetUserByToken(ctx context.Context, token string) (*User, error)

	// NodeUsers lists the users who own a node, ordered by id.
	NodeUsers(ctx context.Context, nodeID int64) ([]User, error)

	// UserOwnsNode reports whether the ownership link exists.
	UserOwnsNode(ctx context.Context, userID, nodeID int64) (bool, error)

	// SetNodeOnline records the node's connection state.
	// Returns ErrNodeNotFound if the node does not exist.
	SetNodeOnline(ctx context.Context, nodeID int64, online bool) error

	// GetLamp retrieves a lamp by its database identifier.
	// Returns ErrLampNotFound if the lamp does not exist.
	GetLamp(ctx context.Context, id int64) (*Lamp, error)

	// GetNodeLamp retrieves a lamp by owning node and node-local identifier.
	// Returns ErrLampNotFound if the lamp does not exist.
	GetNodeLamp(ctx context.Context, nodeID, nodeLampID int64) (*Lamp, error)

	// UpdateLampValue stores a new lamp value, refreshes the updated
	// timestamp, and returns the resulting row.
	UpdateLampValue(ctx context.Context, id, value int64) (*Lamp, error)

	// GetNodeSensor retrieves a sensor by owning node and node-local
	// identifier. Returns ErrSensorNotFound if the sensor does not exist.
	GetNodeSensor(ctx context.Context, nodeID, nodeSensorID int64) (*Sensor, error)

	// UpdateSensorValue stores a new sensor reading, refreshes the updated
	// timestamp, appends a history row, and returns the resulting sensor.
	UpdateSensorValue(ctx context.Context, id int64, value float64) (*Sensor, error)
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
// The db parameter should be an open SQLite connection.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// GetNode retrieves a node by its identifier.
func (r *SQLiteRepository) GetNode(ctx context.Context, id int64) (*Node, error) {
	query := `
		SELECT id, url, is_active, is_online
		FROM nodes
		WHERE id = ?`

	node, err := scanNode(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNodeNotFound
		}
		return nil, fmt.Errorf("querying node by id: %w", err)
	}
	return node, nil
}

// GetNodeByToken resolves a connection token to its node.
func (r *SQLiteRepository) GetNodeByToken(ctx context.Context, token string) (*Node, error) {
	query := `
		SELECT n.id, n.url, n.is_active, n.is_online
		FROM nodes n
		JOIN node_tokens t ON t.node_id = n.id
		WHERE t.token = ?`

	node, err := scanNode(r.db.QueryRowContext(ctx, query, token))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("querying node by token: %w", err)
	}
	return node, nil
}

// GetUserByToken resolves a connection token to its user.
func (r *SQLiteRepository) GetUserByToken(ctx context.Context, token string) (*User, error) {
	query := `
		SELECT u.id, u.email, u.is_active
		FROM users u
		JOIN user_tokens t ON t.user_id = u.id
		WHERE t.token = ?`

	var user User
	err := r.db.QueryRowContext(ctx, query, token).Scan(&user.ID, &user.Email, &user.IsActive)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("querying user by token: %w", err)
	}
	return &user, nil
}

// NodeUsers lists the users who own a node.
func (r *SQLiteRepository) NodeUsers(ctx context.Context, nodeID int64) ([]User, error) {
	query := `
		SELECT u.id, u.email, u.is_active
		FROM users u
		JOIN user_nodes un ON un.user_id = u.id
		WHERE un.node_id = ?
		ORDER BY u.id`

	rows, err := r.db.QueryContext(ctx, query, nodeID)
	if err != nil {
		return nil, fmt.Errorf("querying node users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var user User
		if err := rows.Scan(&user.ID, &user.Email, &user.IsActive); err != nil {
			return nil, fmt.Errorf("scanning node user: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating node users: %w", err)
	}
	return users, nil
}

// UserOwnsNode reports whether the ownership link exists.
func (r *SQLiteRepository) UserOwnsNode(ctx context.Context, userID, nodeID int64) (bool, error) {
	query := `
		SELECT COUNT(*)
		FROM user_nodes
		WHERE user_id = ? AND node_id = ?`

	var count int
	if err := r.db.QueryRowContext(ctx, query, userID, nodeID).Scan(&count); err != nil {
		return false, fmt.Errorf("querying node ownership: %w", err)
	}
	return count > 0, nil
}

// SetNodeOnline records the node's connection state.
func (r *SQLiteRepository) SetNodeOnline(ctx context.Context, nodeID int64, online bool) error {
	query := `
		UPDATE nodes
		SET is_online = ?
		WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query, online, nodeID)
	if err != nil {
		return fmt.Errorf("updating node online flag: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking affected rows: %w", err)
	}
	if affected == 0 {
		return ErrNodeNotFound
	}
	return nil
}

// GetLamp retrieves a lamp by its database identifier.
func (r *SQLiteRepository) GetLamp(ctx context.Context, id int64) (*Lamp, error) {
	query := `
		SELECT id, node_id, node_lamp_id, name, value, created, updated
		FROM node_lamps
		WHERE id = ?`

	lamp, err := scanLamp(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrLampNotFound
		}
		return nil, fmt.Errorf("querying lamp by id: %w", err)
	}
	return lamp, nil
}

// GetNodeLamp retrieves a lamp by owning node and node-local identifier.
func (r *SQLiteRepository) GetNodeLamp(ctx context.Context, nodeID, nodeLampID int64) (*Lamp, error) {
	query := `
		SELECT id, node_id, node_lamp_id, name, value, created, updated
		FROM node_lamps
		WHERE node_id = ? AND node_lamp_id = ?`

	lamp, err := scanLamp(r.db.QueryRowContext(ctx, query, nodeID, nodeLampID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrLampNotFound
		}
		return nil, fmt.Errorf("querying lamp by node: %w", err)
	}
	return lamp, nil
}

// UpdateLampValue stores a new lamp value and returns the resulting row.
func (r *SQLiteRepository) UpdateLampValue(ctx context.Context, id, value int64) (*Lamp, error) {
	now := time.Now().UTC()
	query := `
		UPDATE node_lamps
		SET value = ?, updated = ?
		WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query, value, now.Format(timeLayout), id)
	if err != nil {
		return nil, fmt.Errorf("updating lamp value: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking affected rows: %w", err)
	}
	if affected == 0 {
		return nil, ErrLampNotFound
	}
	return r.GetLamp(ctx, id)
}

// GetNodeSensor retrieves a sensor by owning node and node-local identifier.
func (r *SQLiteRepository) GetNodeSensor(ctx context.Context, nodeID, nodeSensorID int64) (*Sensor, error) {
	query := `
		SELECT id, node_id, node_sensor_id, name, value, created, updated
		FROM node_sensors
		WHERE node_id = ? AND node_sensor_id = ?`

	sensor, err := scanSensor(r.db.QueryRowContext(ctx, query, nodeID, nodeSensorID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSensorNotFound
		}
		return nil, fmt.Errorf("querying sensor by node: %w", err)
	}
	return sensor, nil
}

// UpdateSensorValue stores a new sensor reading, appends a history row in the
// same transaction, and returns the resulting sensor.
func (r *SQLiteRepository) UpdateSensorValue(ctx context.Context, id int64, value float64) (*Sensor, error) {
	now := time.Now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning sensor update: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	result, err := tx.ExecContext(ctx, `
		UPDATE node_sensors
		SET value = ?, updated = ?
		WHERE id = ?`, value, now.Format(timeLayout), id)
	if err != nil {
		return nil, fmt.Errorf("updating sensor value: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking affected rows: %w", err)
	}
	if affected == 0 {
		return nil, ErrSensorNotFound
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO node_sensors_history (sensor_id, changed, value)
		VALUES (?, ?, ?)`, id, now.Format(timeLayout), value); err != nil {
		return nil, fmt.Errorf("inserting sensor history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing sensor update: %w", err)
	}

	query := `
		SELECT id, node_id, node_sensor_id, name, value, created, updated
		FROM node_sensors
		WHERE id = ?`
	sensor, err := scanSensor(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("re-reading sensor: %w", err)
	}
	return sensor, nil
}

// scanner abstracts sql.Row and sql.Rows for the scan helpers.
type scanner interface {
	Scan(dest ...any) error
}

func scanNode(row scanner) (*Node, error) {
	var node Node
	if err := row.Scan(&node.ID, &node.URL, &node.IsActive, &node.IsOnline); err != nil {
		return nil, err
	}
	return &node, nil
}

func scanLamp(row scanner) (*Lamp, error) {
	var (
		lamp             Lamp
		created, updated string
	)
	if err := row.Scan(&lamp.ID, &lamp.NodeID, &lamp.NodeLampID, &lamp.Name, &lamp.Value, &created, &updated); err != nil {
		return nil, err
	}
	var err error
	if lamp.Created, err = time.Parse(timeLayout, created); err != nil {
		return nil, fmt.Errorf("parsing lamp created: %w", err)
	}
	if lamp.Updated, err = time.Parse(timeLayout, updated); err != nil {
		return nil, fmt.Errorf("parsing lamp updated: %w", err)
	}
	return &lamp, nil
}

func scanSensor(row scanner) (*Sensor, error) {
	var (
		sensor           Sensor
		created, updated string
	)
	if err := row.Scan(&sensor.ID, &sensor.NodeID, &sensor.NodeSensorID, &sensor.Name, &sensor.Value, &created, &updated); err != nil {
		return nil, err
	}
	var err error
	if sensor.Created, err = time.Parse(timeLayout, created); err != nil {
		return nil, fmt.Errorf("parsing sensor created: %w", err)
	}
	if sensor.Updated, err = time.Parse(timeLayout, updated); err != nil {
		return nil, fmt.Errorf("parsing sensor updated: %w", err)
	}
	return &sensor, nil
}
