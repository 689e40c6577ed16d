package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/splinter-mesh/splinter/core"
	"github.com/splinter-mesh/splinter/wire"
)

func TestLoadOrGenerateSignerWithoutSeedFile(t *testing.T) {
	signer, err := loadOrGenerateSigner("")
	if err != nil {
		t.Fatalf("loadOrGenerateSigner: %v", err)
	}
	if len(signer.PublicKey()) != ed25519.PublicKeySize {
		t.Fatalf("unexpected public key size: %d", len(signer.PublicKey()))
	}
}

func TestLoadOrGenerateSignerFromSeedFile(t *testing.T) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	path := filepath.Join(t.TempDir(), "seed")
	if err := os.WriteFile(path, seed, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	signer, err := loadOrGenerateSigner(path)
	if err != nil {
		t.Fatalf("loadOrGenerateSigner: %v", err)
	}
	want := core.NewEd25519SignerFromSeed(seed)
	if string(signer.PublicKey()) != string(want.PublicKey()) {
		t.Fatal("expected deterministic key derived from seed file")
	}
}

func TestLoadOrGenerateSignerMissingFileFails(t *testing.T) {
	if _, err := loadOrGenerateSigner(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("expected error for missing seed file")
	}
}

func TestLoadTLSConfigMissingFilesFails(t *testing.T) {
	if _, err := loadTLSConfig("no-such-cert.pem", "no-such-key.pem"); err == nil {
		t.Fatal("expected error loading nonexistent keypair")
	}
}

type fakeMessageSender struct{}

func (fakeMessageSender) Send(connectionID string, msg wire.NetworkMessage) error { return nil }

func TestCircuitHandlerRejectsUndecodableEnvelope(t *testing.T) {
	h := circuitHandler{}
	if err := h.HandleMessage("conn-1", []byte("not json"), fakeMessageSender{}); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestCircuitHandlerIgnoresErrorMessages(t *testing.T) {
	env := wire.CircuitEnvelope{Type: wire.CircuitErrorMessage}
	payload, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	h := circuitHandler{}
	if err := h.HandleMessage("conn-1", payload, fakeMessageSender{}); err != nil {
		t.Fatalf("expected CircuitErrorMessage to be a no-op, got %v", err)
	}
}

func TestCircuitHandlerRejectsUnhandledType(t *testing.T) {
	env := wire.CircuitEnvelope{Type: "bogus"}
	payload, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	h := circuitHandler{}
	if err := h.HandleMessage("conn-1", payload, fakeMessageSender{}); err == nil {
		t.Fatal("expected error for unhandled envelope type")
	}
}

type fakeCircuitLookup struct {
	circuit core.Circuit
	ok      bool
}

func (f fakeCircuitLookup) CircuitByID(id core.CircuitID) (core.Circuit, bool) {
	return f.circuit, f.ok
}

type recordingDeliverer struct {
	delivered []core.ServiceID
}

func (d *recordingDeliverer) DeliverLocal(serviceID core.ServiceID, body wire.CircuitDirectMessageBody) error {
	d.delivered = append(d.delivered, serviceID)
	return nil
}

func TestCircuitHandlerRoutesDirectMessageToRouter(t *testing.T) {
	circuit := core.Circuit{
		CircuitID: "c1",
		Members:   []core.Member{{NodeID: "node-a"}, {NodeID: "node-b"}},
		Roster: []core.RosterService{
			{ServiceID: "svc-a", AllowedNode: "node-a"},
			{ServiceID: "svc-b", AllowedNode: "node-b"},
		},
	}
	lookup := fakeCircuitLookup{circuit: circuit, ok: true}
	table := core.NewRoutingTable()
	table.Add(core.RoutingEntry{
		ServiceID: core.ServiceID{CircuitID: "c1", ServiceID: "svc-a"},
		CircuitID: "c1",
		NodeID:    "node-a",
	})
	table.Add(core.RoutingEntry{
		ServiceID: core.ServiceID{CircuitID: "c1", ServiceID: "svc-b"},
		CircuitID: "c1",
		NodeID:    "node-b",
	})
	deliverer := &recordingDeliverer{}
	router := core.NewRouter(lookup, table, fakeMessageSender{}, deliverer, "node-b", nil, logrus.New())

	h := circuitHandler{router: router}

	body := wire.CircuitDirectMessageBody{
		CircuitID: "c1",
		Sender:    "svc-a",
		Recipient: "svc-b",
		Payload:   []byte("hi"),
	}
	bodyJSON, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	env := wire.CircuitEnvelope{Type: wire.CircuitDirectMessage, Body: bodyJSON}
	payload, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}

	if err := h.HandleMessage("conn-1", payload, fakeMessageSender{}); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if len(deliverer.delivered) != 1 || deliverer.delivered[0].ServiceID != "svc-b" {
		t.Fatalf("expected local delivery to svc-b, got %v", deliverer.delivered)
	}
}

type fakeAdminStoreForWiring struct{}

func (fakeAdminStoreForWiring) AddProposal(p core.CircuitProposal) error    { return nil }
func (fakeAdminStoreForWiring) UpdateProposal(p core.CircuitProposal) error { return nil }
func (fakeAdminStoreForWiring) GetProposal(circuitID core.CircuitID) (core.CircuitProposal, bool, error) {
	return core.CircuitProposal{}, false, nil
}
func (fakeAdminStoreForWiring) ListProposals() ([]core.CircuitProposal, error) { return nil, nil }
func (fakeAdminStoreForWiring) RemoveProposal(circuitID core.CircuitID) error  { return nil }
func (fakeAdminStoreForWiring) AddCircuit(c core.Circuit) error                { return nil }
func (fakeAdminStoreForWiring) GetCircuit(circuitID core.CircuitID) (core.Circuit, bool, error) {
	return core.Circuit{}, false, nil
}
func (fakeAdminStoreForWiring) ListCircuits() ([]core.Circuit, error)       { return nil, nil }
func (fakeAdminStoreForWiring) RemoveCircuit(circuitID core.CircuitID) error { return nil }
func (fakeAdminStoreForWiring) UpdateCircuit(c core.Circuit) error          { return nil }
func (fakeAdminStoreForWiring) GetContext(circuitID core.CircuitID) (core.ConsensusContext, bool, error) {
	return core.ConsensusContext{}, false, nil
}
func (fakeAdminStoreForWiring) PutContext(ctx core.ConsensusContext) error  { return nil }
func (fakeAdminStoreForWiring) RemoveContext(circuitID core.CircuitID) error { return nil }
func (fakeAdminStoreForWiring) AddAction(a core.ConsensusAction) (int64, error) { return 0, nil }
func (fakeAdminStoreForWiring) ListUnexecutedActions(circuitID core.CircuitID) ([]core.ConsensusAction, error) {
	return nil, nil
}
func (fakeAdminStoreForWiring) MarkActionExecuted(id int64) error { return nil }
func (fakeAdminStoreForWiring) AddEvent(e core.ConsensusEvent) (int64, error) { return 0, nil }
func (fakeAdminStoreForWiring) ListUnexecutedEvents(circuitID core.CircuitID) ([]core.ConsensusEvent, error) {
	return nil, nil
}
func (fakeAdminStoreForWiring) MarkEventExecuted(id int64) error { return nil }
func (fakeAdminStoreForWiring) AppendEvent(e core.AdminEvent) (int64, error) { return 0, nil }
func (fakeAdminStoreForWiring) ListEventsSince(watermark int64) ([]core.AdminEvent, error) {
	return nil, nil
}
func (fakeAdminStoreForWiring) LastEventID() (int64, error) { return -1, nil }
func (fakeAdminStoreForWiring) AddCommitEntry(entry core.CommitEntry) error    { return nil }
func (fakeAdminStoreForWiring) UpdateCommitEntry(entry core.CommitEntry) error { return nil }
func (fakeAdminStoreForWiring) GetLastCommitEntry(circuitID core.CircuitID) (core.CommitEntry, bool, error) {
	return core.CommitEntry{}, false, nil
}
func (fakeAdminStoreForWiring) SetAlarm(circuitID core.CircuitID, alarmType core.AlarmType, when time.Time) error {
	return nil
}
func (fakeAdminStoreForWiring) UnsetAlarm(circuitID core.CircuitID, alarmType core.AlarmType) error {
	return nil
}
func (fakeAdminStoreForWiring) GetAlarm(circuitID core.CircuitID, alarmType core.AlarmType) (time.Time, bool, error) {
	return time.Time{}, false, nil
}

func TestLocalDelivererIgnoresNonAdminCircuit(t *testing.T) {
	admin := core.NewAdminService("node-a", fakeAdminStoreForWiring{}, core.NewInMemoryKeyPermissionManager(), core.NewInMemoryRegistry(), core.Ed25519Verifier{}, fakeMessageSender{}, core.NewRoutingTable(), nil, nil)
	d := &localDeliverer{admin: admin, selfNode: "node-a", log: logrus.NewEntry(logrus.New())}

	err := d.DeliverLocal(core.ServiceID{CircuitID: "app-circuit", ServiceID: "svc-a"}, wire.CircuitDirectMessageBody{Payload: []byte("hi")})
	if err != nil {
		t.Fatalf("expected application payload delivery to be a no-op, got %v", err)
	}
}

func TestLocalDelivererRejectsUndecodableManagementPayload(t *testing.T) {
	admin := core.NewAdminService("node-a", fakeAdminStoreForWiring{}, core.NewInMemoryKeyPermissionManager(), core.NewInMemoryRegistry(), core.Ed25519Verifier{}, fakeMessageSender{}, core.NewRoutingTable(), nil, nil)
	d := &localDeliverer{admin: admin, selfNode: "node-a", log: logrus.NewEntry(logrus.New())}

	body := wire.CircuitDirectMessageBody{
		CircuitID: wire.AdminCircuitID,
		Payload:   []byte("not json"),
	}
	if err := d.DeliverLocal(core.ServiceID{CircuitID: core.CircuitID(wire.AdminCircuitID)}, body); err == nil {
		t.Fatal("expected decode error for malformed management payload")
	}
}

func TestLocalDelivererDispatchesDisbandRequest(t *testing.T) {
	permission := core.NewInMemoryKeyPermissionManager()
	signer, err := core.NewEd25519Signer()
	if err != nil {
		t.Fatalf("NewEd25519Signer: %v", err)
	}
	permission.Grant(signer.PublicKey(), core.PermitProposeCircuit)

	admin := core.NewAdminService("node-a", fakeAdminStoreForWiring{}, permission, core.NewInMemoryRegistry(), core.Ed25519Verifier{}, fakeMessageSender{}, core.NewRoutingTable(), nil, nil)
	d := &localDeliverer{admin: admin, selfNode: "node-a", log: logrus.NewEntry(logrus.New())}

	action := wire.CircuitDisbandRequestAction{CircuitID: "never-committed"}
	mgmt, err := wire.BuildManagementPayload(wire.ActionCircuitDisbandRequest, "node-a", signer.PublicKey(), action, signer.Sign)
	if err != nil {
		t.Fatalf("BuildManagementPayload: %v", err)
	}
	mgmtJSON, err := json.Marshal(mgmt)
	if err != nil {
		t.Fatalf("marshal management payload: %v", err)
	}
	body := wire.CircuitDirectMessageBody{CircuitID: wire.AdminCircuitID, Payload: mgmtJSON}

	err = d.DeliverLocal(core.ServiceID{CircuitID: core.CircuitID(wire.AdminCircuitID)}, body)
	if err == nil {
		t.Fatal("expected SubmitDisbandProposal to reject a circuit that was never committed")
	}
}
