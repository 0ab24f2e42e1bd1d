package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestValidateTransferTransition(t *testing.T) {
	assert.NoError(t, ValidateTransferTransition("", TransferStatusActive))
	assert.NoError(t, ValidateTransferTransition(TransferStatusActive, TransferStatusReverted))
	assert.NoError(t, ValidateTransferTransition(TransferStatusActive, TransferStatusRetargeted))

	assert.ErrorIs(t, ValidateTransferTransition(TransferStatusReverted, TransferStatusActive), ErrIllegalTransition)
	assert.ErrorIs(t, ValidateTransferTransition(TransferStatusRetargeted, TransferStatusReverted), ErrIllegalTransition)
	assert.ErrorIs(t, ValidateTransferTransition(TransferStatusActive, TransferStatusActive), ErrIllegalTransition)
}

func TestTransferTransitionAppendsHistory(t *testing.T) {
	now := time.Date(2025, 1, 10, 8, 0, 0, 0, time.UTC)
	tr := &Transfer{ID: "t-1"}
	require.NoError(t, tr.Transition(TransferStatusActive, "admin", now, "created"))
	require.NoError(t, tr.Transition(TransferStatusReverted, "admin", now.Add(time.Hour), "wrong class"))

	assert.Equal(t, TransferStatusReverted, tr.Status)
	events := tr.StatusHistory.Events()
	require.Len(t, events, 2)
	assert.Equal(t, TransferStatus(""), events[0].From)
	assert.Equal(t, TransferStatusReverted, events[1].To)
	assert.Equal(t, "wrong class", events[1].Reason)

	err := tr.Transition(TransferStatusRetargeted, "admin", now.Add(2*time.Hour), "")
	assert.ErrorIs(t, err, ErrIllegalTransition)
	assert.Equal(t, 2, tr.StatusHistory.Len())
}

func TestAuditTrailRejectsOutOfOrderAppend(t *testing.T) {
	now := time.Now().UTC()
	var trail AuditTrail[FieldChange]
	require.NoError(t, trail.Append(FieldChange{Field: "transfer_fee", At: now}))
	assert.ErrorIs(t, trail.Append(FieldChange{Field: "to_class_id", At: now.Add(-time.Minute)}), ErrAuditOutOfOrder)
	assert.Equal(t, 1, trail.Len())

	_, err := NewAuditTrail(StatusChange{At: now}, StatusChange{At: now.Add(-time.Second)})
	assert.ErrorIs(t, err, ErrAuditOutOfOrder)
}

func TestAuditTrailEventsReturnsCopy(t *testing.T) {
	trail, err := NewAuditTrail(FieldChange{Field: "notes", At: time.Now()})
	require.NoError(t, err)
	events := trail.Events()
	events[0].Field = "mutated"
	last, ok := trail.Last()
	require.True(t, ok)
	assert.Equal(t, "notes", last.Field)
}

func TestAuditTrailDatabaseRoundTrip(t *testing.T) {
	at := time.Date(2025, 1, 10, 9, 30, 0, 0, time.UTC)
	trail, err := NewAuditTrail(StatusChange{From: "", To: TransferStatusActive, Actor: "u-1", At: at})
	require.NoError(t, err)

	value, err := trail.Value()
	require.NoError(t, err)

	var scanned AuditTrail[StatusChange]
	require.NoError(t, scanned.Scan(value))
	events := scanned.Events()
	require.Len(t, events, 1)
	assert.Equal(t, TransferStatusActive, events[0].To)
	assert.True(t, at.Equal(events[0].At))

	var empty AuditTrail[StatusChange]
	require.NoError(t, empty.Scan(nil))
	raw, err := json.Marshal(empty)
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(raw))

	assert.Error(t, scanned.Scan(42))
}

func TestAuditTrailUnmarshalRejectsUnorderedJSON(t *testing.T) {
	var trail AuditTrail[FieldChange]
	err := json.Unmarshal([]byte(`[{"field":"a","at":"2025-01-10T10:00:00Z"},{"field":"b","at":"2025-01-10T09:00:00Z"}]`), &trail)
	assert.ErrorIs(t, err, ErrAuditOutOfOrder)
}

func TestEffectiveTargetClassID(t *testing.T) {
	tr := &Transfer{ToClassID: "class-b", Status: TransferStatusActive}
	assert.Equal(t, "class-b", tr.EffectiveTargetClassID())

	tr.Status = TransferStatusRetargeted
	tr.RetargetedToClassID = strPtr("class-c")
	assert.Equal(t, "class-c", tr.EffectiveTargetClassID())

	tr.Status = TransferStatusReverted
	assert.Equal(t, "class-b", tr.EffectiveTargetClassID())
}

func TestTransferCheckInvariants(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name    string
		tr      Transfer
		wantErr bool
	}{
		{name: "active", tr: Transfer{Status: TransferStatusActive}},
		{name: "active with retarget", tr: Transfer{Status: TransferStatusActive, RetargetedToClassID: strPtr("c")}, wantErr: true},
		{name: "retargeted", tr: Transfer{Status: TransferStatusRetargeted, RetargetedToClassID: strPtr("c")}},
		{name: "retargeted missing class", tr: Transfer{Status: TransferStatusRetargeted}, wantErr: true},
		{name: "reverted", tr: Transfer{Status: TransferStatusReverted, RevertedAt: &now, RevertedBy: strPtr("u")}},
		{name: "reverted missing actor", tr: Transfer{Status: TransferStatusReverted, RevertedAt: &now}, wantErr: true},
		{name: "negative fee", tr: Transfer{Status: TransferStatusActive, TransferFee: decimal.NewFromInt(-1)}, wantErr: true},
		{name: "unknown status", tr: Transfer{Status: "PENDING"}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.tr.CheckInvariants()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRecordChangeSkipsUnchangedFields(t *testing.T) {
	tr := &Transfer{}
	now := time.Now()
	require.NoError(t, tr.RecordChange("transfer_fee", "0", "0", "u", now, ""))
	require.NoError(t, tr.RecordChange("transfer_fee", "0", "150000", "u", now, "retarget"))
	assert.Equal(t, 1, tr.ChangeLog.Len())
}

func TestTransferStatsSuccessRate(t *testing.T) {
	stats := TransferStats{Total: 3, Active: 1, Reverted: 1, Retargeted: 1}
	stats.ComputeSuccessRate()
	assert.Equal(t, 66.67, stats.SuccessRate)

	empty := TransferStats{}
	empty.ComputeSuccessRate()
	assert.Equal(t, 0.0, empty.SuccessRate)
}
