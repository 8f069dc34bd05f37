package approvals

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unifiedcmdb/cmdb-core/internal/store"
)

func approvedApproval(t *testing.T, db *store.MemDB, svc *Service, payload store.JSONMap) *store.Approval {
	t.Helper()
	approval := createApproval(t, db, svc, CreateRequest{
		Method:      "POST",
		Path:        "/lifecycle/run",
		Payload:     payload,
		RequestedBy: "user:maker",
	})
	err := db.WithTx(context.Background(), func(st store.Store) error {
		_, err := svc.Decide(context.Background(), st, approval.ID, "user:checker", "", true)
		return err
	})
	require.NoError(t, err)
	return approval
}

func checkGate(db *store.MemDB, svc *Service, env RequestEnvelope, approvalID, principal string) error {
	return db.WithRollback(context.Background(), func(st store.Store) error {
		_, err := svc.Check(context.Background(), st, env, approvalID, principal)
		return err
	})
}

func gateStatus(t *testing.T, err error) int {
	t.Helper()
	var gateErr *GateError
	require.ErrorAs(t, err, &gateErr)
	return gateErr.StatusCode
}

func TestCheck_PassesOnExactBinding(t *testing.T) {
	db := store.NewMemDB()
	svc := NewService(testSettings())
	approval := approvedApproval(t, db, svc, store.JSONMap{"note": "sweep"})

	err := checkGate(db, svc, RequestEnvelope{
		Method:      "POST",
		Path:        "/lifecycle/run",
		Body:        []byte(`{"note": "sweep"}`),
		ContentType: "application/json",
	}, approval.ID, "user:maker")
	assert.NoError(t, err)
}

func TestCheck_FailureOrdering(t *testing.T) {
	db := store.NewMemDB()
	svc := NewService(testSettings())
	approval := approvedApproval(t, db, svc, store.JSONMap{"note": "sweep"})
	matching := RequestEnvelope{
		Method:      "POST",
		Path:        "/lifecycle/run",
		Body:        []byte(`{"note":"sweep"}`),
		ContentType: "application/json",
	}

	err := checkGate(db, svc, matching, "no-such-id", "user:maker")
	assert.Equal(t, http.StatusNotFound, gateStatus(t, err))

	// Wrong requester beats the method/path/payload checks.
	wrongEverything := RequestEnvelope{
		Method: "DELETE", Path: "/cis/abc", Body: []byte(`{}`), ContentType: "application/json",
	}
	err = checkGate(db, svc, wrongEverything, approval.ID, "user:impostor")
	assert.Equal(t, http.StatusForbidden, gateStatus(t, err))

	wrongMethod := matching
	wrongMethod.Method = "DELETE"
	err = checkGate(db, svc, wrongMethod, approval.ID, "user:maker")
	assert.Equal(t, http.StatusConflict, gateStatus(t, err))

	wrongPath := matching
	wrongPath.Path = "/lifecycle/other"
	err = checkGate(db, svc, wrongPath, approval.ID, "user:maker")
	assert.Equal(t, http.StatusConflict, gateStatus(t, err))

	wrongPayload := matching
	wrongPayload.Body = []byte(`{"note":"different"}`)
	err = checkGate(db, svc, wrongPayload, approval.ID, "user:maker")
	assert.Equal(t, http.StatusConflict, gateStatus(t, err))
}

func TestCheck_PendingApprovalRejected(t *testing.T) {
	db := store.NewMemDB()
	svc := NewService(testSettings())
	pending := createApproval(t, db, svc, CreateRequest{
		Method: "POST", Path: "/lifecycle/run", RequestedBy: "user:maker",
	})

	err := checkGate(db, svc, RequestEnvelope{Method: "POST", Path: "/lifecycle/run"}, pending.ID, "user:maker")
	assert.Equal(t, http.StatusConflict, gateStatus(t, err))
}

func TestCheck_RequesterBindingOptional(t *testing.T) {
	cfg := testSettings()
	cfg.MakerCheckerBindRequester = false
	db := store.NewMemDB()
	svc := NewService(cfg)
	approval := approvedApproval(t, db, svc, nil)

	err := checkGate(db, svc, RequestEnvelope{
		Method: "POST", Path: "/lifecycle/run",
	}, approval.ID, "user:someone-else")
	assert.NoError(t, err, "unbound mode lets any operator use the approval")
}

func TestConsume_SingleUse(t *testing.T) {
	db := store.NewMemDB()
	svc := NewService(testSettings())
	approval := approvedApproval(t, db, svc, nil)

	err := db.WithTx(context.Background(), func(st store.Store) error {
		return svc.Consume(context.Background(), st, approval.ID, "user:maker")
	})
	require.NoError(t, err)

	db.View(func(st store.Store) {
		stored, err := st.GetApproval(context.Background(), approval.ID)
		require.NoError(t, err)
		assert.Equal(t, store.ApprovalConsumed, stored.Status)
		require.NotNil(t, stored.ConsumedAt)
	})

	// A consumed approval no longer admits requests.
	err = checkGate(db, svc, RequestEnvelope{Method: "POST", Path: "/lifecycle/run"}, approval.ID, "user:maker")
	assert.Equal(t, http.StatusConflict, gateStatus(t, err))

	err = db.WithTx(context.Background(), func(st store.Store) error {
		return svc.Consume(context.Background(), st, approval.ID, "user:maker")
	})
	assert.Equal(t, http.StatusConflict, gateStatus(t, err))
}

func TestConsume_RollsBackWithFailedMutation(t *testing.T) {
	db := store.NewMemDB()
	svc := NewService(testSettings())
	approval := approvedApproval(t, db, svc, nil)

	err := db.WithTx(context.Background(), func(st store.Store) error {
		if err := svc.Consume(context.Background(), st, approval.ID, "user:maker"); err != nil {
			return err
		}
		return assert.AnError
	})
	require.Error(t, err)

	db.View(func(st store.Store) {
		stored, err := st.GetApproval(context.Background(), approval.ID)
		require.NoError(t, err)
		assert.Equal(t, store.ApprovalApproved, stored.Status, "a failed mutation leaves the approval reusable")
	})
}
