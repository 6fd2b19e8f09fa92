package repo

import (
	"context"
	"testing"

	"github.com/tbourn/go-account-warden/internal/domain"
)

func TestCreateActionLog_AndPaging(t *testing.T) {
	db := newTestDB(t, &domain.ActionLog{})
	ctx := context.Background()
	peer := domain.PeerRef{Kind: domain.SenderBot, ID: 99}

	for i, res := range []domain.ActionResult{
		{Action: domain.Action{Kind: domain.ActionBlock}, Outcome: domain.OutcomeApplied},
		{Action: domain.Action{Kind: domain.ActionReply, Text: "hi"}, Outcome: domain.OutcomeFailed, Reason: "peer blocked"},
		{Action: domain.Action{Kind: domain.ActionMuteAndArchive}, Outcome: domain.OutcomeSkipped, Reason: "session closed"},
	} {
		l, err := CreateActionLog(ctx, db, "u1", peer, res)
		if err != nil {
			t.Fatalf("CreateActionLog #%d: %v", i, err)
		}
		if l.ID == "" || l.Peer != "bot:99" {
			t.Fatalf("unexpected log row %+v", l)
		}
	}
	if _, err := CreateActionLog(ctx, db, "u2", peer, domain.ActionResult{
		Action: domain.Action{Kind: domain.ActionLeaveChannel}, Outcome: domain.OutcomeApplied,
	}); err != nil {
		t.Fatalf("CreateActionLog other account: %v", err)
	}

	total, err := CountActionLogs(ctx, db, "u1")
	if err != nil || total != 3 {
		t.Fatalf("CountActionLogs = (%d, %v); want 3", total, err)
	}

	page, err := ListActionLogsPage(ctx, db, "u1", 0, 2)
	if err != nil {
		t.Fatalf("ListActionLogsPage: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("page len = %d; want 2", len(page))
	}
	for _, l := range page {
		if l.AccountID != "u1" {
			t.Fatalf("page leaked another account: %+v", l)
		}
	}

	rest, err := ListActionLogsPage(ctx, db, "u1", 2, 2)
	if err != nil || len(rest) != 1 {
		t.Fatalf("second page = (%d, %v); want 1 row", len(rest), err)
	}
}
