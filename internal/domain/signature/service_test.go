package signature

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/firmamed/firmamed/internal/domain/audit"
	"github.com/firmamed/firmamed/internal/domain/record"
	"github.com/firmamed/firmamed/internal/platform/auth"
	"github.com/firmamed/firmamed/internal/platform/errs"
	"github.com/firmamed/firmamed/internal/platform/integrity"
)

// =========== Test Env ===========

// driftingRecords wraps the in-memory record repository and lets a test make
// a record's live content diverge from its stored hash, simulating tampering.
type driftingRecords struct {
	*record.RepoMemory

	mu    sync.Mutex
	drift map[uuid.UUID]map[string]any
}

func (d *driftingRecords) GetByID(ctx context.Context, id uuid.UUID) (*record.ClinicalRecord, error) {
	rec, err := d.RepoMemory.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	if content, ok := d.drift[id]; ok {
		rec.Content = content
	}
	d.mu.Unlock()
	return rec, nil
}

func (d *driftingRecords) TamperContent(id uuid.UUID, content map[string]any) {
	d.mu.Lock()
	d.drift[id] = content
	d.mu.Unlock()
}

// failingTransition wraps a record repository whose MarkSigned always
// fails, simulating a storage error between signature creation and the
// record's state transition.
type failingTransition struct {
	record.Repository
}

func (f *failingTransition) MarkSigned(ctx context.Context, id uuid.UUID, expectHash string) error {
	return errs.New(errs.CodeInternal, "storage write failed")
}

type testEnv struct {
	svc       *Service
	records   *driftingRecords
	sigs      *RepoMemory
	auditRepo *audit.RepoMemory
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	records := &driftingRecords{
		RepoMemory: record.NewRepoMemory(),
		drift:      make(map[uuid.UUID]map[string]any),
	}
	sigs := NewRepoMemory()
	auditRepo := audit.NewRepoMemory(audit.Capacity{MaxRecords: 10_000, MaxBytes: 1 << 30})
	recorder := audit.NewRecorder(auditRepo, zerolog.Nop())
	svc := NewService(sigs, records, recorder, NopTx, false, zerolog.Nop())
	return &testEnv{svc: svc, records: records, sigs: sigs, auditRepo: auditRepo}
}

func (e *testEnv) newDraft(t *testing.T) *record.ClinicalRecord {
	t.Helper()
	content := map[string]any{"diagnosis": "J00", "notes": "common cold"}
	hash, err := integrity.Bind(content)
	if err != nil {
		t.Fatalf("bind content: %v", err)
	}
	rec := &record.ClinicalRecord{
		PatientID:   uuid.New(),
		RecordType:  "consultation",
		Content:     content,
		ContentHash: hash,
		Estado:      record.EstadoDraft,
	}
	if err := e.records.Create(context.Background(), rec); err != nil {
		t.Fatalf("create record: %v", err)
	}
	return rec
}

func doctorCaller() audit.Caller {
	return audit.Caller{
		Actor:     &auth.Actor{ID: "doc-1", Name: "Dr Who", Email: "who@clinic.test", Role: "doctor"},
		OriginIP:  "10.0.0.1",
		UserAgent: "test-agent",
		SessionID: "sess-1",
		RequestID: "req-1",
	}
}

// signDraft produces a valid SignRequest for rec: it derives the cadena the
// service will build and signs it with a freshly generated RSA key.
func (e *testEnv) signDraft(t *testing.T, caller audit.Caller, rec *record.ClinicalRecord) SignRequest {
	t.Helper()
	now := time.Now().UTC()
	key, certPEM := makeRSAKeyAndCert(t, now.Add(-time.Hour), now.Add(24*time.Hour))

	signedAt := now.Truncate(time.Second)
	req := SignRequest{
		RecordID:  rec.ID,
		Purpose:   PurposeClinicalNote,
		Algorithm: AlgorithmRSASHA256,
		CertPEM:   certPEM,
		SignedAt:  signedAt,
	}
	cadena, _, err := e.svc.Cadena(context.Background(), caller, req)
	if err != nil {
		t.Fatalf("build cadena: %v", err)
	}
	req.SignatureB64 = signRSA(t, key, cadena)
	return req
}

func (e *testEnv) auditRecords(t *testing.T, action audit.Action) []*audit.Record {
	t.Helper()
	items, _, err := e.auditRepo.Search(context.Background(), audit.Filter{Action: action}, 100, 0)
	if err != nil {
		t.Fatalf("search audit: %v", err)
	}
	return items
}

// =========== Sign ===========

func TestSign_FailedRecordTransitionLeavesNoSignature(t *testing.T) {
	records := record.NewRepoMemory()
	content := map[string]any{"diagnosis": "J00"}
	hash, err := integrity.Bind(content)
	if err != nil {
		t.Fatalf("bind content: %v", err)
	}
	rec := &record.ClinicalRecord{
		PatientID:   uuid.New(),
		RecordType:  "consultation",
		Content:     content,
		ContentHash: hash,
		Estado:      record.EstadoDraft,
	}
	if err := records.Create(context.Background(), rec); err != nil {
		t.Fatalf("create record: %v", err)
	}

	sigs := NewRepoMemory()
	auditRepo := audit.NewRepoMemory(audit.Capacity{MaxRecords: 1000, MaxBytes: 1 << 20})
	recorder := audit.NewRecorder(auditRepo, zerolog.Nop())
	svc := NewService(sigs, &failingTransition{Repository: records}, recorder, NopTx, false, zerolog.Nop())

	caller := doctorCaller()
	now := time.Now().UTC()
	key, certPEM := makeRSAKeyAndCert(t, now.Add(-time.Hour), now.Add(24*time.Hour))
	req := SignRequest{
		RecordID:  rec.ID,
		Purpose:   PurposeClinicalNote,
		Algorithm: AlgorithmRSASHA256,
		CertPEM:   certPEM,
		SignedAt:  now.Truncate(time.Second),
	}
	cadena, _, err := svc.Cadena(context.Background(), caller, req)
	if err != nil {
		t.Fatalf("build cadena: %v", err)
	}
	req.SignatureB64 = signRSA(t, key, cadena)

	if _, err := svc.Sign(context.Background(), caller, req); err == nil {
		t.Fatal("expected the failed record transition to surface")
	}

	// Without a transaction to roll back, the service must compensate:
	// no valid signature may survive a record that never left draft.
	if _, err := sigs.ActiveByRecord(context.Background(), rec.ID); !errs.Is(err, errs.CodeNotFound) {
		t.Fatalf("expected no valid signature after a failed sign, got %v", err)
	}
	all, err := sigs.ListByRecord(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("list signatures: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("expected the created signature to be discarded, found %d", len(all))
	}
}

func TestSign_Success(t *testing.T) {
	env := newTestEnv(t)
	rec := env.newDraft(t)
	caller := doctorCaller()
	req := env.signDraft(t, caller, rec)

	sig, err := env.svc.Sign(context.Background(), caller, req)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if sig.State != StateValid {
		t.Errorf("expected valid signature, got %s", sig.State)
	}
	if sig.DocumentHash != rec.ContentHash {
		t.Error("signature must bind the record's content hash")
	}

	got, err := env.records.GetByID(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if got.Estado != record.EstadoSigned {
		t.Errorf("record must transition to signed, got %s", got.Estado)
	}

	trail := env.auditRecords(t, audit.ActionSign)
	if len(trail) != 1 {
		t.Fatalf("expected exactly one sign audit record, got %d", len(trail))
	}
	if !trail[0].Succeeded {
		t.Error("audit record must reflect success")
	}
}

func TestSign_ContentHashMismatch(t *testing.T) {
	env := newTestEnv(t)
	rec := env.newDraft(t)
	caller := doctorCaller()
	req := env.signDraft(t, caller, rec)

	// Corrupt the stored hash so live content no longer matches it.
	if _, err := env.records.UpdateContent(context.Background(), rec.ID, rec.Content, "0000"); err != nil {
		t.Fatalf("seed mismatch: %v", err)
	}

	_, err := env.svc.Sign(context.Background(), caller, req)
	if !errs.Is(err, errs.CodeContentHashMismatch) {
		t.Fatalf("expected ContentHashMismatch, got %v", err)
	}

	if sigs, _ := env.sigs.ListByRecord(context.Background(), rec.ID); len(sigs) != 0 {
		t.Error("no signature may be created on hash mismatch")
	}

	trail := env.auditRecords(t, audit.ActionSign)
	if len(trail) != 1 {
		t.Fatalf("expected exactly one audit record for the failed sign, got %d", len(trail))
	}
	if trail[0].Succeeded {
		t.Error("audit record must reflect failure")
	}
	if trail[0].ErrorCode != string(errs.CodeContentHashMismatch) {
		t.Errorf("expected error code ContentHashMismatch, got %s", trail[0].ErrorCode)
	}
}

func TestSign_RecordAlreadySigned(t *testing.T) {
	env := newTestEnv(t)
	rec := env.newDraft(t)
	caller := doctorCaller()

	if _, err := env.svc.Sign(context.Background(), caller, env.signDraft(t, caller, rec)); err != nil {
		t.Fatalf("first sign: %v", err)
	}
	_, err := env.svc.Sign(context.Background(), caller, env.signDraft(t, caller, rec))
	if !errs.Is(err, errs.CodeRecordAlreadySigned) {
		t.Fatalf("expected RecordAlreadySigned, got %v", err)
	}
}

func TestSign_ConcurrentCallsOneWinner(t *testing.T) {
	env := newTestEnv(t)
	rec := env.newDraft(t)
	caller := doctorCaller()

	const n = 8
	reqs := make([]SignRequest, n)
	for i := range reqs {
		reqs[i] = env.signDraft(t, caller, rec)
	}

	var wg sync.WaitGroup
	errsCh := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(req SignRequest) {
			defer wg.Done()
			_, err := env.svc.Sign(context.Background(), caller, req)
			errsCh <- err
		}(reqs[i])
	}
	wg.Wait()
	close(errsCh)

	wins, losses := 0, 0
	for err := range errsCh {
		switch {
		case err == nil:
			wins++
		case errs.Is(err, errs.CodeRecordAlreadySigned):
			losses++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("expected exactly one winner, got %d", wins)
	}
	if losses != n-1 {
		t.Errorf("expected %d RecordAlreadySigned losses, got %d", n-1, losses)
	}

	sigs, _ := env.sigs.ListByRecord(context.Background(), rec.ID)
	if len(sigs) != 1 {
		t.Errorf("expected exactly one signature, got %d", len(sigs))
	}
}

func TestSign_RoleWithoutCapability(t *testing.T) {
	env := newTestEnv(t)
	rec := env.newDraft(t)

	nurse := audit.Caller{Actor: &auth.Actor{ID: "nurse-1", Role: "nurse"}}
	req := env.signDraft(t, nurse, rec)
	req.Purpose = PurposePrescription

	_, err := env.svc.Sign(context.Background(), nurse, req)
	if !errs.Is(err, errs.CodeUnauthorized) {
		t.Fatalf("expected Unauthorized, got %v", err)
	}

	denied := env.auditRecords(t, audit.ActionAccessDenied)
	if len(denied) != 1 {
		t.Fatalf("expected one access-denied audit record, got %d", len(denied))
	}
}

func TestSign_ExpiredCertificate(t *testing.T) {
	env := newTestEnv(t)
	rec := env.newDraft(t)
	caller := doctorCaller()

	notBefore := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	notAfter := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	key, certPEM := makeRSAKeyAndCert(t, notBefore, notAfter)

	req := SignRequest{
		RecordID:  rec.ID,
		Purpose:   PurposeClinicalNote,
		Algorithm: AlgorithmRSASHA256,
		CertPEM:   certPEM,
		SignedAt:  time.Now().UTC(),
	}
	cadena, _, err := env.svc.Cadena(context.Background(), caller, req)
	if err != nil {
		t.Fatalf("cadena: %v", err)
	}
	req.SignatureB64 = signRSA(t, key, cadena)

	_, err = env.svc.Sign(context.Background(), caller, req)
	if !errs.Is(err, errs.CodeExpiredCertificate) {
		t.Fatalf("expected ExpiredCertificate, got %v", err)
	}
}

func TestSign_TamperedSignatureBytes(t *testing.T) {
	env := newTestEnv(t)
	rec := env.newDraft(t)
	caller := doctorCaller()
	req := env.signDraft(t, caller, rec)
	req.SignatureB64 = signRSA(t, mustNewRSAKey(t), "not the cadena")

	_, err := env.svc.Sign(context.Background(), caller, req)
	if !errs.Is(err, errs.CodeCryptographicMismatch) {
		t.Fatalf("expected CryptographicMismatch, got %v", err)
	}
}

// =========== Verify ===========

func TestVerifyRecord_DetectsContentDrift(t *testing.T) {
	env := newTestEnv(t)
	rec := env.newDraft(t)
	caller := doctorCaller()

	if _, err := env.svc.Sign(context.Background(), caller, env.signDraft(t, caller, rec)); err != nil {
		t.Fatalf("sign: %v", err)
	}

	res, err := env.svc.VerifyRecord(context.Background(), caller, rec.ID)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !res.Valid {
		t.Fatalf("expected valid before drift, got %s: %s", res.FailureCode, res.Message)
	}

	// Drift the content underneath the signature.
	env.records.TamperContent(rec.ID, map[string]any{"diagnosis": "J00", "notes": "altered"})

	res, err = env.svc.VerifyRecord(context.Background(), caller, rec.ID)
	if err != nil {
		t.Fatalf("verify after drift: %v", err)
	}
	if res.Valid {
		t.Fatal("expected invalid after content drift")
	}
	if res.FailureCode != string(errs.CodeContentHashMismatch) {
		t.Errorf("expected ContentHashMismatch, got %s", res.FailureCode)
	}
}

// =========== Revoke ===========

func TestRevoke_Success(t *testing.T) {
	env := newTestEnv(t)
	rec := env.newDraft(t)
	caller := doctorCaller()

	sig, err := env.svc.Sign(context.Background(), caller, env.signDraft(t, caller, rec))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	revoked, err := env.svc.Revoke(context.Background(), caller, sig.ID, "signed in error")
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if revoked.State != StateRevoked {
		t.Errorf("expected revoked, got %s", revoked.State)
	}
	if revoked.RevokedBy == nil || *revoked.RevokedBy != "doc-1" {
		t.Error("revocation must record who revoked")
	}
	if revoked.CadenaOriginal != sig.CadenaOriginal || revoked.SignatureB64 != sig.SignatureB64 {
		t.Error("revocation must not alter cryptographic material")
	}
}

func TestRevoke_AlreadyRevoked(t *testing.T) {
	env := newTestEnv(t)
	rec := env.newDraft(t)
	caller := doctorCaller()

	sig, err := env.svc.Sign(context.Background(), caller, env.signDraft(t, caller, rec))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := env.svc.Revoke(context.Background(), caller, sig.ID, "first"); err != nil {
		t.Fatalf("first revoke: %v", err)
	}

	_, err = env.svc.Revoke(context.Background(), caller, sig.ID, "second")
	if !errs.Is(err, errs.CodeAlreadyRevoked) {
		t.Fatalf("expected AlreadyRevoked, got %v", err)
	}

	got, err := env.sigs.GetByID(context.Background(), sig.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.RevocationReason == nil || *got.RevocationReason != "first" {
		t.Error("failed revoke must leave the original revocation untouched")
	}
}

func TestRevoke_NotTheSigner(t *testing.T) {
	env := newTestEnv(t)
	rec := env.newDraft(t)
	caller := doctorCaller()

	sig, err := env.svc.Sign(context.Background(), caller, env.signDraft(t, caller, rec))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	other := audit.Caller{Actor: &auth.Actor{ID: "doc-2", Role: "doctor"}}
	_, err = env.svc.Revoke(context.Background(), other, sig.ID, "not mine")
	if !errs.Is(err, errs.CodeUnauthorized) {
		t.Fatalf("expected Unauthorized, got %v", err)
	}
}

func TestRevoke_NotFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.Revoke(context.Background(), doctorCaller(), uuid.New(), "x")
	if !errs.Is(err, errs.CodeNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

// =========== Helpers ===========

func mustNewRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}
