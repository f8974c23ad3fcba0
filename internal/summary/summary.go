// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package summary aggregates all connected batteries into one subtree and
// fans broadcast commands out to the members.
package summary

import (
	"log/slog"
	"sync"

	"github.com/ffutop/zbm-bridge/internal/poller"
	"github.com/ffutop/zbm-bridge/internal/tree"
)

// ServiceName is the aggregate's mount point.
const ServiceName = "battery.zbm"

// Monitor is the aggregation surface the daemon drives.
type Monitor interface {
	UpdateValues()
	OnDeviceRemoved(service string)
}

// commandLeaves broadcast a write to the same leaf of every member.
var commandLeaves = []string{
	"OperationalMode",
	"ClearStatusRegisterFlags",
	"RequestDelayedSelfMaintenance",
	"RequestImmediateSelfMaintenance",
}

// Battery is the member surface the aggregate needs.
type Battery interface {
	Connection() poller.ConnectionState
}

type member struct {
	dev     Battery
	service string
}

// Summary publishes the aggregate subtree. The daemon adds batteries once
// they are initialized and calls UpdateValues whenever members changed or
// on its refresh tick.
type Summary struct {
	tr *tree.Tree

	mu      sync.Mutex
	members map[string]*member
	leaves  map[string]tree.NodeID
}

// New mounts the aggregate subtree.
func New(tr *tree.Tree) *Summary {
	s := &Summary{
		tr:      tr,
		members: make(map[string]*member),
		leaves:  make(map[string]tree.NodeID),
	}

	// These three leaves tell supervisors the service itself is alive,
	// independent of how many batteries currently answer.
	s.set("Mgmt/Connection", tree.Text("Modbus"))
	s.set("ProductName", tree.Text("Redflow ZBM"))
	s.set("Connected", tree.Int(1))
	s.set("DeviceInstance", tree.Int(40))

	s.leaf("ZbmCount", tree.Meta{Description: "Connected batteries"})
	s.leaf("Dc/0/Voltage", tree.Meta{Unit: "V", Precision: 1, Description: "Mean battery voltage"})
	s.leaf("Dc/0/Current", tree.Meta{Unit: "A", Precision: 1, Description: "Total battery current"})
	s.leaf("Dc/0/Power", tree.Meta{Unit: "W", Precision: 0, Description: "Total battery power"})
	s.leaf("Dc/0/Temperature", tree.Meta{Unit: "C", Precision: 1, Description: "Highest battery temperature"})
	s.leaf("Soc", tree.Meta{Unit: "%", Precision: 0, Description: "Mean state of charge"})
	s.leaf("Alarms/Worst", tree.Meta{Description: "Worst alarm level of any battery"})
	s.leaf("Alarms/Maintenance", tree.Meta{})
	s.leaf("Alarms/MaintenanceActive", tree.Meta{})

	for _, rel := range commandLeaves {
		rel := rel
		id := s.leaf(rel, tree.Meta{})
		s.tr.SetWriteHandler(id, func(v tree.Value) error {
			return s.broadcast(rel, v)
		})
	}

	return s
}

func (s *Summary) leaf(rel string, meta tree.Meta) tree.NodeID {
	id := s.tr.GetOrCreate(ServiceName + "/" + rel)
	s.tr.SetMeta(id, meta)
	s.leaves[rel] = id
	return id
}

func (s *Summary) set(rel string, v tree.Value) {
	id := s.tr.GetOrCreate(ServiceName + "/" + rel)
	s.leaves[rel] = id
	s.tr.SetValue(id, v)
}

// AddBattery registers an initialized battery with the aggregate.
func (s *Summary) AddBattery(dev Battery, service string) {
	s.mu.Lock()
	s.members[service] = &member{dev: dev, service: service}
	s.mu.Unlock()
	s.UpdateValues()
}

// OnDeviceRemoved drops a member; its values stop contributing.
func (s *Summary) OnDeviceRemoved(service string) {
	s.mu.Lock()
	delete(s.members, service)
	s.mu.Unlock()
	s.UpdateValues()
}

// broadcast relays a command write onto every connected member.
func (s *Summary) broadcast(rel string, v tree.Value) error {
	s.mu.Lock()
	services := make([]string, 0, len(s.members))
	for svc, m := range s.members {
		if m.dev.Connection() != poller.Disconnected {
			services = append(services, svc)
		}
	}
	s.mu.Unlock()

	var firstErr error
	for _, svc := range services {
		id := s.tr.Lookup(svc + "/" + rel)
		if id == tree.InvalidID {
			continue
		}
		if err := s.tr.WriteValue(id, v); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		slog.Warn("broadcast partially failed", "leaf", rel, "err", firstErr)
	}
	return firstErr
}

func (s *Summary) memberValue(svc, rel string) tree.Value {
	id := s.tr.Lookup(svc + "/" + rel)
	if id == tree.InvalidID {
		return tree.Invalid()
	}
	return s.tr.Value(id)
}

// UpdateValues recomputes every aggregate leaf from the members.
func (s *Summary) UpdateValues() {
	s.mu.Lock()
	var connected []*member
	for _, m := range s.members {
		if m.dev.Connection() != poller.Disconnected {
			connected = append(connected, m)
		}
	}
	s.mu.Unlock()

	var vTot, iTot, pTot, tMax, socTot float64
	var vCount, socCount int
	var haveT bool
	worst := 0
	maintenanceNeeded := true
	maintenanceActive := true

	for _, m := range connected {
		if v := s.memberValue(m.service, "Dc/0/Voltage"); v.IsValid() && v.Real() > 0 {
			vTot += v.Real()
			vCount++
		}
		if v := s.memberValue(m.service, "Dc/0/Current"); v.IsValid() {
			iTot += v.Real()
		}
		if v := s.memberValue(m.service, "Dc/0/Power"); v.IsValid() {
			pTot += v.Real()
		}
		if v := s.memberValue(m.service, "Dc/0/Temperature"); v.IsValid() && (!haveT || v.Real() > tMax) {
			tMax = v.Real()
			haveT = true
		}
		if v := s.memberValue(m.service, "Soc"); v.IsValid() {
			socTot += v.Real()
			socCount++
		}

		alarms := s.tr.Lookup(m.service + "/Alarms")
		for _, child := range s.tr.Children(alarms) {
			if v := s.tr.Value(child); v.IsValid() && int(v.Int()) > worst {
				worst = int(v.Int())
			}
		}
		// False as soon as any battery is not (yet) in maintenance, so the
		// GUI can herd the remaining ones in.
		maintenanceNeeded = maintenanceNeeded && s.memberValue(m.service, "Alarms/Maintenance").Int() != 0
		maintenanceActive = maintenanceActive && s.memberValue(m.service, "Alarms/MaintenanceActive").Int() != 0
	}

	count := len(connected)
	s.setAggregate("ZbmCount", tree.Int(int64(count)), count >= 0)
	s.setAggregate("Dc/0/Voltage", tree.Real(safeDiv(vTot, vCount)), vCount > 0)
	s.setAggregate("Dc/0/Current", tree.Real(iTot), vCount > 0)
	s.setAggregate("Dc/0/Power", tree.Real(pTot), vCount > 0)
	s.setAggregate("Dc/0/Temperature", tree.Real(tMax), haveT)
	s.setAggregate("Soc", tree.Real(safeDiv(socTot, socCount)), socCount > 0)
	s.setAggregate("Alarms/Worst", tree.Int(int64(worst)), count > 0)
	s.setAggregate("Alarms/Maintenance", boolInt(maintenanceNeeded && count > 0), true)
	s.setAggregate("Alarms/MaintenanceActive", boolInt(maintenanceActive && count > 0), true)
}

func (s *Summary) setAggregate(rel string, v tree.Value, valid bool) {
	id, ok := s.leaves[rel]
	if !ok {
		return
	}
	if !valid {
		s.tr.Invalidate(id)
		return
	}
	s.tr.SetValue(id, v)
}

func safeDiv(sum float64, n int) float64 {
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func boolInt(b bool) tree.Value {
	if b {
		return tree.Int(1)
	}
	return tree.Int(0)
}

var _ Monitor = (*Summary)(nil)
