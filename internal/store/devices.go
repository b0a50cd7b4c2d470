package store

import (
	"database/sql"
	"errors"
	"fmt"

	"plexlink/internal/models"
)

const deviceColumns = `id, identifier, name, address, port, username, password, auth_token, server_name, tv_selection, movie_selection, enabled, created_at, updated_at`

func scanDevice(scanner interface{ Scan(...any) error }) (models.DeviceConfig, error) {
	var d models.DeviceConfig
	err := scanner.Scan(&d.ID, &d.Identifier, &d.Name, &d.Address, &d.Port,
		&d.Username, &d.Password, &d.AuthToken, &d.ServerName,
		&d.TVSelection, &d.MovieSelection, &d.Enabled, &d.CreatedAt, &d.UpdatedAt)
	return d, err
}

func (s *Store) CreateDevice(d *models.DeviceConfig) error {
	password, err := s.encrypt(d.Password)
	if err != nil {
		return fmt.Errorf("encrypting password: %w", err)
	}
	token, err := s.encrypt(d.AuthToken)
	if err != nil {
		return fmt.Errorf("encrypting token: %w", err)
	}

	created, err := scanDevice(s.db.QueryRow(
		`INSERT INTO devices (identifier, name, address, port, username, password, auth_token, server_name, tv_selection, movie_selection, enabled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING `+deviceColumns,
		d.Identifier, d.Name, d.Address, d.Port, d.Username, password, token,
		d.ServerName, d.TVSelection, d.MovieSelection, d.Enabled,
	))
	if err != nil {
		return fmt.Errorf("creating device: %w", err)
	}
	created.Password = d.Password
	created.AuthToken = d.AuthToken
	*d = created
	return nil
}

func (s *Store) GetDevice(identifier string) (*models.DeviceConfig, error) {
	d, err := scanDevice(s.db.QueryRow(
		`SELECT `+deviceColumns+` FROM devices WHERE identifier = ?`, identifier,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("device %s: %w", identifier, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting device: %w", err)
	}
	if err := s.decryptDevice(&d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *Store) ListDevices() ([]models.DeviceConfig, error) {
	rows, err := s.db.Query(`SELECT ` + deviceColumns + ` FROM devices ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	defer rows.Close()

	devices := []models.DeviceConfig{}
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		if err := s.decryptDevice(&d); err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

func (s *Store) UpdateDevice(d *models.DeviceConfig) error {
	password, err := s.encrypt(d.Password)
	if err != nil {
		return fmt.Errorf("encrypting password: %w", err)
	}
	token, err := s.encrypt(d.AuthToken)
	if err != nil {
		return fmt.Errorf("encrypting token: %w", err)
	}

	updated, err := scanDevice(s.db.QueryRow(
		`UPDATE devices SET name = ?, address = ?, port = ?, username = ?, password = ?, auth_token = ?, server_name = ?, tv_selection = ?, movie_selection = ?, enabled = ?, updated_at = CURRENT_TIMESTAMP
		WHERE identifier = ? RETURNING `+deviceColumns,
		d.Name, d.Address, d.Port, d.Username, password, token,
		d.ServerName, d.TVSelection, d.MovieSelection, d.Enabled, d.Identifier,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("device %s: %w", d.Identifier, models.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("updating device: %w", err)
	}
	updated.Password = d.Password
	updated.AuthToken = d.AuthToken
	*d = updated
	return nil
}

func (s *Store) DeleteDevice(identifier string) error {
	result, err := s.db.Exec(`DELETE FROM devices WHERE identifier = ?`, identifier)
	if err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("device %s: %w", identifier, models.ErrNotFound)
	}
	return nil
}

func (s *Store) decryptDevice(d *models.DeviceConfig) error {
	password, err := s.decrypt(d.Password)
	if err != nil {
		return fmt.Errorf("decrypting password for %s: %w", d.Identifier, err)
	}
	token, err := s.decrypt(d.AuthToken)
	if err != nil {
		return fmt.Errorf("decrypting token for %s: %w", d.Identifier, err)
	}
	d.Password = password
	d.AuthToken = token
	return nil
}
