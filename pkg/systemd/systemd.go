package systemd

import (
	"context"
	"fmt"

	"github.com/coreos/go-systemd/v22/dbus"

	"github.com/steward-sh/steward/pkg/types"
)

// Manager abstracts the systemd operations StateManager needs so tests can
// substitute a fake without a running system bus.
type Manager interface {
	// UnitState reports the unit's enabled and active flags.
	UnitState(ctx context.Context, unit string) (types.ServiceState, error)

	// ApplyState enables/disables and starts/stops the unit to match state.
	ApplyState(ctx context.Context, state types.ServiceState) error

	Close()
}

// DBusManager talks to systemd over the system D-Bus.
type DBusManager struct {
	conn *dbus.Conn
}

// Connect opens a connection to the systemd manager.
func Connect(ctx context.Context) (*DBusManager, error) {
	conn, err := dbus.NewSystemdConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to systemd: %w", err)
	}
	return &DBusManager{conn: conn}, nil
}

// Close releases the D-Bus connection.
func (m *DBusManager) Close() {
	if m.conn != nil {
		m.conn.Close()
	}
}

// UnitState reads ActiveState and UnitFileState from the unit's properties.
func (m *DBusManager) UnitState(ctx context.Context, unit string) (types.ServiceState, error) {
	props, err := m.conn.GetUnitPropertiesContext(ctx, unit)
	if err != nil {
		return types.ServiceState{}, fmt.Errorf("failed to query unit %s: %w", unit, err)
	}

	state := types.ServiceState{Unit: unit}
	if active, ok := props["ActiveState"].(string); ok {
		state.Active = active == "active" || active == "activating"
	}
	if fileState, ok := props["UnitFileState"].(string); ok {
		state.Enabled = fileState == "enabled" || fileState == "enabled-runtime"
	}
	return state, nil
}

// ApplyState drives the unit back to the recorded enabled/active pair.
// Enablement is applied before activation so a restored unit survives reboot
// in the recorded state.
func (m *DBusManager) ApplyState(ctx context.Context, state types.ServiceState) error {
	if state.Enabled {
		if _, _, err := m.conn.EnableUnitFilesContext(ctx, []string{state.Unit}, false, true); err != nil {
			return fmt.Errorf("failed to enable unit %s: %w", state.Unit, err)
		}
	} else {
		if _, err := m.conn.DisableUnitFilesContext(ctx, []string{state.Unit}, false); err != nil {
			return fmt.Errorf("failed to disable unit %s: %w", state.Unit, err)
		}
	}

	result := make(chan string, 1)
	if state.Active {
		if _, err := m.conn.StartUnitContext(ctx, state.Unit, "replace", result); err != nil {
			return fmt.Errorf("failed to start unit %s: %w", state.Unit, err)
		}
	} else {
		if _, err := m.conn.StopUnitContext(ctx, state.Unit, "replace", result); err != nil {
			return fmt.Errorf("failed to stop unit %s: %w", state.Unit, err)
		}
	}

	select {
	case status := <-result:
		if status != "done" && status != "skipped" {
			return fmt.Errorf("unit %s job finished with status %s", state.Unit, status)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}
