//go:build linux

package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	bluezBus           = "org.bluez"
	bluezAdapterIface  = "org.bluez.Adapter1"
	bluezDeviceIface   = "org.bluez.Device1"
	dbusProperties     = "org.freedesktop.DBus.Properties"
	dbusObjectManager  = "org.freedesktop.DBus.ObjectManager"
	interfacesAddedSig = dbusObjectManager + ".InterfacesAdded"
	propertiesChanged  = dbusProperties + ".PropertiesChanged"
)

// bluez talks to the BlueZ daemon for one adapter.
type bluez struct {
	bus         *dbus.Conn
	adapterPath dbus.ObjectPath
}

func newBluez(adapter string) (*bluez, error) {
	bus, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("%w: system bus: %v", ErrTransportUnavailable, err)
	}
	return &bluez{bus: bus, adapterPath: dbus.ObjectPath("/org/bluez/" + adapter)}, nil
}

func (b *bluez) adapter() dbus.BusObject {
	return b.bus.Object(bluezBus, b.adapterPath)
}

// devicePath maps AA:BB:CC:DD:EE:FF to /org/bluez/hciN/dev_AA_BB_CC_DD_EE_FF.
func (b *bluez) devicePath(addr string) dbus.ObjectPath {
	return dbus.ObjectPath(string(b.adapterPath) + "/dev_" + strings.ReplaceAll(strings.ToUpper(addr), ":", "_"))
}

func (b *bluez) powered(ctx context.Context) (bool, error) {
	var v dbus.Variant
	if err := b.adapter().CallWithContext(ctx, dbusProperties+".Get", 0, bluezAdapterIface, "Powered").Store(&v); err != nil {
		return false, classifyDBusError(err)
	}
	on, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("bluez: unexpected Powered value %v", v)
	}
	return on, nil
}

func (b *bluez) setPowered(ctx context.Context, on bool) error {
	call := b.adapter().CallWithContext(ctx, dbusProperties+".Set", 0, bluezAdapterIface, "Powered", dbus.MakeVariant(on))
	if call.Err != nil {
		return classifyDBusError(call.Err)
	}
	return nil
}

// knownDevices lists devices BlueZ already tracks for the adapter, paired
// ones included.
func (b *bluez) knownDevices(ctx context.Context) ([]Device, error) {
	objects := make(map[dbus.ObjectPath]map[string]map[string]dbus.Variant)
	if err := b.bus.Object(bluezBus, "/").CallWithContext(ctx, dbusObjectManager+".GetManagedObjects", 0).Store(&objects); err != nil {
		return nil, classifyDBusError(err)
	}

	prefix := string(b.adapterPath) + "/"
	var devices []Device
	for path, ifaces := range objects {
		if !strings.HasPrefix(string(path), prefix) {
			continue
		}
		props, ok := ifaces[bluezDeviceIface]
		if !ok {
			continue
		}
		if dev, ok := deviceFromProps(props); ok {
			devices = append(devices, dev)
		}
	}
	return devices, nil
}

func (b *bluez) addMatch(rule string) error {
	return b.bus.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule).Err
}

func (b *bluez) removeMatch(rule string) {
	b.bus.BusObject().Call("org.freedesktop.DBus.RemoveMatch", 0, rule)
}

func deviceFromProps(props map[string]dbus.Variant) (Device, bool) {
	var dev Device
	addr, ok := props["Address"].Value().(string)
	if !ok || addr == "" {
		return dev, false
	}
	dev.ID = addr
	if name, ok := props["Name"].Value().(string); ok {
		dev.Name = name
	}
	if rssi, ok := props["RSSI"].Value().(int16); ok {
		dev.RSSI = int(rssi)
	}
	if connected, ok := props["Connected"].Value().(bool); ok {
		dev.Connected = connected
	}
	return dev, true
}

// classifyDBusError maps BlueZ error names onto the transport taxonomy.
func classifyDBusError(err error) error {
	var name string
	var dErr dbus.Error
	var pErr *dbus.Error
	switch {
	case errors.As(err, &pErr):
		name = pErr.Name
	case errors.As(err, &dErr):
		name = dErr.Name
	default:
		return err
	}

	switch name {
	case "org.freedesktop.DBus.Error.AccessDenied", "org.bluez.Error.NotAuthorized", "org.bluez.Error.NotPermitted":
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case "org.bluez.Error.NotReady", "org.freedesktop.DBus.Error.ServiceUnknown", "org.freedesktop.DBus.Error.UnknownObject":
		return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}
	return err
}
