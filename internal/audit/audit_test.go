package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openbracket/openbracket/internal/protocol"
)

func openTestLog(t *testing.T) (*Log, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.ndjson")
	log, err := Open(path, clockwork.NewFakeClock(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })
	return log, path
}

func readRecords(t *testing.T, path string) []Record {
	t.Helper()
	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	var records []Record
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var rec Record
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		records = append(records, rec)
	}
	require.NoError(t, scanner.Err())
	return records
}

func TestAppendGrowsLog(t *testing.T) {
	log, path := openTestLog(t)

	env := protocol.NewEnvelope(protocol.MsgRegisterPlayer, protocol.Sender{Kind: protocol.KindPlayer, AgentID: "alice"}, time.Now())
	log.Append(Record{
		Direction: In,
		From:      "player:alice",
		To:        "league_manager",
		Envelope:  env,
		Payload:   json.RawMessage(`{"agent_id":"alice"}`),
		Outcome:   OutcomeAccepted,
	})
	log.Append(Record{
		Direction: Out,
		From:      "league_manager",
		To:        "player:alice",
		Envelope:  env.Reply(protocol.MsgRegistrationResponse, protocol.Sender{Manager: true}, time.Now()),
		Outcome:   OutcomeAccepted,
	})

	assert.Equal(t, int64(2), log.Written())

	records := readRecords(t, path)
	require.Len(t, records, 2)
	assert.Equal(t, In, records[0].Direction)
	assert.Equal(t, Out, records[1].Direction)
	assert.Equal(t, env.ConversationID, records[0].Envelope.ConversationID)
	assert.JSONEq(t, `{"agent_id":"alice"}`, string(records[0].Payload))
}

func TestAppendStampsTimestampFromClock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.ndjson")
	clock := clockwork.NewFakeClock()
	log, err := Open(path, clock, zap.NewNop())
	require.NoError(t, err)
	defer log.Close()

	log.Append(Record{
		Direction: In,
		Outcome:   OutcomeAccepted,
		// Caller-supplied timestamp is overwritten.
		Timestamp: "1999-01-01T00:00:00Z",
	})

	records := readRecords(t, path)
	require.Len(t, records, 1)
	assert.Equal(t, protocol.FormatTimestamp(clock.Now()), records[0].Timestamp)
}

func TestReopenAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.ndjson")
	clock := clockwork.NewFakeClock()

	log, err := Open(path, clock, zap.NewNop())
	require.NoError(t, err)
	log.Append(Record{Direction: In, Outcome: OutcomeAccepted})
	require.NoError(t, log.Close())

	log, err = Open(path, clock, zap.NewNop())
	require.NoError(t, err)
	log.Append(Record{Direction: Out, Outcome: OutcomeAccepted})
	require.NoError(t, log.Close())

	records := readRecords(t, path)
	assert.Len(t, records, 2, "reopening must append, not truncate")
}

func TestRejectedOutcome(t *testing.T) {
	outcome := Rejected(protocol.Errorf(protocol.ErrAuthInvalid, "token rejected"))
	assert.Equal(t, "rejected:AUTH_INVALID", outcome)
}
