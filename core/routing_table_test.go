package core

import "testing"

func TestRoutingTableAddLookupRemove(t *testing.T) {
	rt := NewRoutingTable()
	sid := ServiceID{CircuitID: "c1", ServiceID: "s1"}
	rt.Add(RoutingEntry{ServiceID: sid, CircuitID: "c1", ConnectionID: "conn-1", NodeID: "node-a"})

	entry, ok := rt.Lookup(sid)
	if !ok || entry.ConnectionID != "conn-1" {
		t.Fatalf("unexpected lookup result: %+v, %v", entry, ok)
	}

	services := rt.ServicesInCircuit("c1")
	if len(services) != 1 || services[0] != sid {
		t.Fatalf("unexpected services in circuit: %v", services)
	}

	rt.RemoveCircuit("c1")
	if _, ok := rt.Lookup(sid); ok {
		t.Fatal("expected entry removed after RemoveCircuit")
	}
	if len(rt.ServicesInCircuit("c1")) != 0 {
		t.Fatal("expected no services left in removed circuit")
	}
}

func TestRoutingTableAddReplaces(t *testing.T) {
	rt := NewRoutingTable()
	sid := ServiceID{CircuitID: "c1", ServiceID: "s1"}
	rt.Add(RoutingEntry{ServiceID: sid, CircuitID: "c1", ConnectionID: "conn-1"})
	rt.Add(RoutingEntry{ServiceID: sid, CircuitID: "c1", ConnectionID: "conn-2"})

	entry, ok := rt.Lookup(sid)
	if !ok || entry.ConnectionID != "conn-2" {
		t.Fatalf("expected replaced entry, got %+v", entry)
	}
	if len(rt.ServicesInCircuit("c1")) != 1 {
		t.Fatal("expected replace not to duplicate the circuit index")
	}
}
