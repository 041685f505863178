//go:build linux

package mpris

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/nowplaying/nowplaying/internal/host"
)

type bus struct {
	conn    *dbus.Conn
	name    string
	owner   string
	signals chan *dbus.Signal
	done    chan struct{}
	cancel  context.CancelFunc
}

// Start connects to the session bus, binds to a player and starts the event
// loop. Startup is delivered from the loop once the initial state is read.
func (a *Adapter) Start(ctx context.Context) error {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return fmt.Errorf("connect session bus: %w", err)
	}
	a.bus.conn = conn
	a.bus.done = make(chan struct{})

	if err := conn.AddMatchSignal(
		dbus.WithMatchObjectPath(objectPath),
		dbus.WithMatchInterface(propsIface),
		dbus.WithMatchMember("PropertiesChanged"),
	); err != nil {
		conn.Close()
		return fmt.Errorf("subscribe PropertiesChanged: %w", err)
	}
	if err := conn.AddMatchSignal(
		dbus.WithMatchSender("org.freedesktop.DBus"),
		dbus.WithMatchInterface("org.freedesktop.DBus"),
		dbus.WithMatchMember("NameOwnerChanged"),
	); err != nil {
		conn.Close()
		return fmt.Errorf("subscribe NameOwnerChanged: %w", err)
	}
	a.bus.signals = make(chan *dbus.Signal, 32)
	conn.Signal(a.bus.signals)

	loopCtx, cancel := context.WithCancel(ctx)
	a.bus.cancel = cancel
	go a.run(loopCtx)
	return nil
}

// Done is closed when the event loop exits.
func (a *Adapter) Done() <-chan struct{} { return a.bus.done }

// Close stops the event loop and disconnects from the bus.
func (a *Adapter) Close() error {
	if a.bus.cancel != nil {
		a.bus.cancel()
		<-a.bus.done
	}
	if a.bus.conn != nil {
		return a.bus.conn.Close()
	}
	return nil
}

func (a *Adapter) run(ctx context.Context) {
	defer close(a.bus.done)

	if err := a.bind(); err != nil {
		a.opts.Logger.Info("no mpris player yet, waiting", slog.String("selector", a.opts.BusName), slog.Any("err", err))
		a.deliver(host.Startup)
	}

	ticker := time.NewTicker(a.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-a.bus.signals:
			if !ok {
				return
			}
			a.handleSignal(sig)
		case <-ticker.C:
			a.poll()
		}
	}
}

// bind selects a player, reads its state and announces Startup.
func (a *Adapter) bind() error {
	names, err := listPlayers(a.bus.conn)
	if err != nil {
		return err
	}
	for _, name := range names {
		if !matchesName(a.opts.BusName, name) {
			continue
		}
		if err := a.bindTo(name); err != nil {
			a.opts.Logger.Debug("mpris player unusable", slog.String("name", name), slog.Any("err", err))
			continue
		}
		return nil
	}
	return host.ErrUnavailable
}

func (a *Adapter) bindTo(name string) error {
	var owner string
	if err := a.bus.conn.BusObject().Call("org.freedesktop.DBus.GetNameOwner", 0, name).Store(&owner); err != nil {
		return fmt.Errorf("resolve owner of %s: %w", name, err)
	}
	var props map[string]dbus.Variant
	obj := a.bus.conn.Object(name, objectPath)
	if err := obj.Call(propsIface+".GetAll", 0, playerIface).Store(&props); err != nil {
		return fmt.Errorf("read player properties: %w", err)
	}
	a.bus.name, a.bus.owner = name, owner
	a.opts.Logger.Info("attached to mpris player", slog.String("name", name))
	a.load(props)
	return nil
}

func (a *Adapter) handleSignal(sig *dbus.Signal) {
	switch sig.Name {
	case "org.freedesktop.DBus.NameOwnerChanged":
		if len(sig.Body) != 3 {
			return
		}
		name, _ := sig.Body[0].(string)
		newOwner, _ := sig.Body[2].(string)
		switch {
		case name == a.bus.name && newOwner == "":
			a.opts.Logger.Info("mpris player went away", slog.String("name", name))
			a.bus.name, a.bus.owner = "", ""
			a.vanished()
		case a.bus.name == "" && newOwner != "" && matchesName(a.opts.BusName, name):
			if err := a.bindTo(name); err != nil {
				a.opts.Logger.Debug("mpris player unusable", slog.String("name", name), slog.Any("err", err))
			}
		}
	case propsIface + ".PropertiesChanged":
		if a.bus.owner == "" || sig.Sender != a.bus.owner || len(sig.Body) < 2 {
			return
		}
		if iface, _ := sig.Body[0].(string); iface != playerIface {
			return
		}
		changed, _ := sig.Body[1].(map[string]dbus.Variant)
		if invalidated, ok := sig.Body[len(sig.Body)-1].([]string); ok && containsString(invalidated, "Metadata") {
			if v, err := a.bus.conn.Object(a.bus.name, objectPath).GetProperty(playerIface + ".Metadata"); err == nil {
				if changed == nil {
					changed = map[string]dbus.Variant{}
				}
				changed["Metadata"] = v
			}
		}
		a.applyChanged(changed)
	}
}

func (a *Adapter) poll() {
	if a.bus.name == "" {
		return
	}
	v, err := a.bus.conn.Object(a.bus.name, objectPath).GetProperty(playerIface + ".Position")
	if err != nil {
		return
	}
	if us, ok := variantInt64(v); ok {
		a.setPosition(us)
	}
}

func listPlayers(conn *dbus.Conn) ([]string, error) {
	var names []string
	if err := conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		return nil, fmt.Errorf("list bus names: %w", err)
	}
	var players []string
	for _, n := range names {
		if matchesName("", n) {
			players = append(players, n)
		}
	}
	sort.Strings(players)
	return players, nil
}

// Players lists the MPRIS players currently on the session bus.
func Players(ctx context.Context) ([]string, error) {
	conn, err := dbus.ConnectSessionBus(dbus.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("connect session bus: %w", err)
	}
	defer conn.Close()
	players, err := listPlayers(conn)
	if err != nil {
		return nil, err
	}
	if len(players) == 0 {
		return nil, errors.New("no mpris players on the session bus")
	}
	return players, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
