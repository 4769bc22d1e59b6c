package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// UpsertLinkedDevice inserts a linked device or refreshes its endpoint and name.
// added_timestamp is preserved for existing rows, and an empty public_key
// never clears a known one.
func (s *Store) UpsertLinkedDevice(device LinkedDevice) error {
	if device.DeviceID == "" {
		return errors.New("device_id is required")
	}
	if device.DeviceName == "" {
		return errors.New("device_name is required")
	}
	if device.AccountAddress == "" {
		return errors.New("account_address is required")
	}
	if device.Addresses == "" {
		device.Addresses = "[]"
	}
	if device.AddedTimestamp == 0 {
		device.AddedTimestamp = nowUnixMilli()
	}
	if device.LastSeenTimestamp == 0 {
		device.LastSeenTimestamp = device.AddedTimestamp
	}

	_, err := s.db.NamedExec(
		`INSERT INTO linked_devices (
			device_id,
			device_name,
			account_address,
			addresses,
			port,
			public_key,
			added_timestamp,
			last_seen_timestamp
		) VALUES (:device_id, :device_name, :account_address, :addresses, :port, :public_key, :added_timestamp, :last_seen_timestamp)
		ON CONFLICT(device_id) DO UPDATE SET
			device_name = excluded.device_name,
			account_address = excluded.account_address,
			addresses = excluded.addresses,
			port = excluded.port,
			public_key = CASE WHEN excluded.public_key = '' THEN linked_devices.public_key ELSE excluded.public_key END,
			last_seen_timestamp = excluded.last_seen_timestamp`,
		device,
	)
	if err != nil {
		return fmt.Errorf("upsert linked device %q: %w", device.DeviceID, err)
	}

	return nil
}

// GetLinkedDevice fetches a linked device by device ID.
func (s *Store) GetLinkedDevice(deviceID string) (*LinkedDevice, error) {
	if deviceID == "" {
		return nil, errors.New("device_id is required")
	}

	var device LinkedDevice
	err := s.db.Get(
		&device,
		`SELECT
			device_id,
			device_name,
			account_address,
			addresses,
			port,
			public_key,
			added_timestamp,
			last_seen_timestamp
		FROM linked_devices
		WHERE device_id = ?`,
		deviceID,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get linked device %q: %w", deviceID, err)
	}

	return &device, nil
}

// ListLinkedDevices returns every device linked to an account ordered by device ID.
func (s *Store) ListLinkedDevices(accountAddress string) ([]LinkedDevice, error) {
	if accountAddress == "" {
		return nil, errors.New("account_address is required")
	}

	devices := make([]LinkedDevice, 0)
	err := s.db.Select(
		&devices,
		`SELECT
			device_id,
			device_name,
			account_address,
			addresses,
			port,
			public_key,
			added_timestamp,
			last_seen_timestamp
		FROM linked_devices
		WHERE account_address = ?
		ORDER BY device_id`,
		accountAddress,
	)
	if err != nil {
		return nil, fmt.Errorf("list linked devices for %q: %w", accountAddress, err)
	}

	return devices, nil
}

// RemoveLinkedDevice deletes a linked device row.
func (s *Store) RemoveLinkedDevice(deviceID string) error {
	if deviceID == "" {
		return errors.New("device_id is required")
	}

	res, err := s.db.Exec(`DELETE FROM linked_devices WHERE device_id = ?`, deviceID)
	if err != nil {
		return fmt.Errorf("remove linked device %q: %w", deviceID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for remove linked device %q: %w", deviceID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}
