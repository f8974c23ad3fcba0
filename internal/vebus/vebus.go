// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package vebus exports tree services as D-Bus item objects. Each leaf and
// interior node becomes one object implementing the BusItem interface;
// value changes are forwarded as PropertiesChanged signals and external
// SetValue calls land back on the tree as write intents.
package vebus

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/ffutop/zbm-bridge/internal/tree"
)

// BusItemInterface is the D-Bus interface every exported node implements.
const BusItemInterface = "com.victronenergy.BusItem"

// Conn is the slice of *dbus.Conn the bridge uses, split out so tests can
// run without a message bus.
type Conn interface {
	Export(v interface{}, path dbus.ObjectPath, iface string) error
	RequestName(name string, flags dbus.RequestNameFlags) (dbus.RequestNameReply, error)
	Emit(path dbus.ObjectPath, name string, values ...interface{}) error
}

// Bridge mirrors tree services onto the bus.
type Bridge struct {
	conn   Conn
	tr     *tree.Tree
	prefix string

	mu       sync.Mutex
	services map[string]bool // service name -> exported
	exported map[tree.NodeID]bool
}

// New creates a bridge with the given service name prefix (for example
// "com.victronenergy"). It starts forwarding change notifications
// immediately; services appear on the bus via PublishService.
func New(conn Conn, tr *tree.Tree, prefix string) *Bridge {
	b := &Bridge{
		conn:     conn,
		tr:       tr,
		prefix:   prefix,
		services: make(map[string]bool),
		exported: make(map[tree.NodeID]bool),
	}
	tr.Watch(b.onChange)
	return b
}

// PublishService claims the bus name for one tree service and exports its
// current nodes. Nodes added later are exported when they first change.
func (b *Bridge) PublishService(service string) error {
	name := b.prefix + "." + service
	reply, err := b.conn.RequestName(name, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("failed to request bus name %s: %w", name, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("bus name %s already taken", name)
	}

	b.mu.Lock()
	b.services[service] = true
	b.mu.Unlock()

	root := b.tr.Lookup(service)
	if root != tree.InvalidID {
		b.exportSubtree(service, root)
	}
	slog.Info("service published", "name", name)
	return nil
}

func (b *Bridge) exportSubtree(service string, id tree.NodeID) {
	b.exportNode(service, id)
	for _, child := range b.tr.Children(id) {
		b.exportSubtree(service, child)
	}
}

func (b *Bridge) exportNode(service string, id tree.NodeID) {
	b.mu.Lock()
	if b.exported[id] {
		b.mu.Unlock()
		return
	}
	b.exported[id] = true
	b.mu.Unlock()

	objPath := b.objectPath(service, id)
	if err := b.conn.Export(&item{bridge: b, id: id}, objPath, BusItemInterface); err != nil {
		slog.Error("failed to export item", "path", objPath, "err", err)
	}
}

// objectPath maps a node onto its object path within the service: the
// node's tree path with the service component stripped.
func (b *Bridge) objectPath(service string, id tree.NodeID) dbus.ObjectPath {
	rel := strings.TrimPrefix(b.tr.Path(id), "/"+service)
	if rel == "" {
		rel = "/"
	}
	return dbus.ObjectPath(rel)
}

// onChange forwards a tree change as a PropertiesChanged signal on the
// owning service, exporting the node first if it is new.
func (b *Bridge) onChange(path string, v tree.Value) {
	service, ok := b.serviceOf(path)
	if !ok {
		return
	}
	id := b.tr.Lookup(path)
	if id == tree.InvalidID {
		return
	}
	b.exportNode(service, id)

	objPath := b.objectPath(service, id)
	changes := map[string]dbus.Variant{
		"Value": toVariant(v),
		"Text":  dbus.MakeVariant(b.tr.Text(id)),
	}
	if err := b.conn.Emit(objPath, BusItemInterface+".PropertiesChanged", changes); err != nil {
		slog.Warn("failed to emit change", "path", objPath, "err", err)
	}
}

func (b *Bridge) serviceOf(path string) (string, bool) {
	parts := strings.SplitN(strings.TrimPrefix(path, "/"), "/", 2)
	if len(parts) == 0 {
		return "", false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return parts[0], b.services[parts[0]]
}

// item is the per-node D-Bus object.
type item struct {
	bridge *Bridge
	id     tree.NodeID
}

func (it *item) GetValue() (dbus.Variant, *dbus.Error) {
	return toVariant(it.bridge.tr.Value(it.id)), nil
}

func (it *item) GetText() (string, *dbus.Error) {
	return it.bridge.tr.Text(it.id), nil
}

func (it *item) GetMin() (dbus.Variant, *dbus.Error) {
	if min, ok := it.bridge.tr.Min(it.id); ok {
		return dbus.MakeVariant(min), nil
	}
	return invalidVariant(), nil
}

func (it *item) GetMax() (dbus.Variant, *dbus.Error) {
	if max, ok := it.bridge.tr.Max(it.id); ok {
		return dbus.MakeVariant(max), nil
	}
	return invalidVariant(), nil
}

func (it *item) GetDescription() (string, *dbus.Error) {
	return it.bridge.tr.Description(it.id), nil
}

// SetValue accepts an external write. Return value 0 means accepted.
func (it *item) SetValue(v dbus.Variant) (int32, *dbus.Error) {
	val, err := fromVariant(v)
	if err != nil {
		return -1, dbus.MakeFailedError(err)
	}
	if err := it.bridge.tr.WriteValue(it.id, val); err != nil {
		slog.Warn("SetValue rejected", "path", it.bridge.tr.Path(it.id), "err", err)
		return -1, nil
	}
	return 0, nil
}

func (it *item) GetDefault() (dbus.Variant, *dbus.Error) {
	return toVariant(it.bridge.tr.Default(it.id)), nil
}

func (it *item) SetDefault() (int32, *dbus.Error) {
	def := it.bridge.tr.Default(it.id)
	if !def.IsValid() {
		return -1, nil
	}
	if err := it.bridge.tr.WriteValue(it.id, def); err != nil {
		return -1, nil
	}
	return 0, nil
}

// invalidVariant is the on-bus encoding of "no value".
func invalidVariant() dbus.Variant {
	return dbus.MakeVariant([]byte{})
}

func toVariant(v tree.Value) dbus.Variant {
	switch v.Kind() {
	case tree.KindInt:
		return dbus.MakeVariant(v.Int())
	case tree.KindReal:
		return dbus.MakeVariant(v.Real())
	case tree.KindText:
		return dbus.MakeVariant(v.Text())
	case tree.KindBytes:
		return dbus.MakeVariant(v.Bytes())
	}
	return invalidVariant()
}

func fromVariant(v dbus.Variant) (tree.Value, error) {
	switch val := v.Value().(type) {
	case int16:
		return tree.Int(int64(val)), nil
	case uint16:
		return tree.Int(int64(val)), nil
	case int32:
		return tree.Int(int64(val)), nil
	case uint32:
		return tree.Int(int64(val)), nil
	case int64:
		return tree.Int(val), nil
	case uint64:
		return tree.Int(int64(val)), nil
	case byte:
		return tree.Int(int64(val)), nil
	case bool:
		if val {
			return tree.Int(1), nil
		}
		return tree.Int(0), nil
	case float64:
		return tree.Real(val), nil
	case string:
		return tree.Text(val), nil
	case []byte:
		if len(val) == 0 {
			return tree.Invalid(), nil
		}
		return tree.Bytes(val), nil
	default:
		return tree.Invalid(), fmt.Errorf("unsupported variant type %T", v.Value())
	}
}
