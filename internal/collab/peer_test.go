package collab

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"HiveMind-Copilot/internal/contracts"
	xerrors "HiveMind-Copilot/internal/errors"
)

func TestPeerAuditorRepliesWithReport(t *testing.T) {
	ch := NewMemoryChannel()
	servePeer(t, ch, "auditor", PeerAuditor(contracts.NewStaticAnalyzer()))

	c := NewCoordinator(ch, "hivemind")
	payload, err := json.Marshal(map[string]string{"code": "contract W { function f() public { selfdestruct(payable(msg.sender)); } }"})
	require.NoError(t, err)
	id, err := c.Open(context.Background(), "auditor", payload)
	require.NoError(t, err)

	res, err := c.Await(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, StatusResolved, res.Status)

	var report contracts.PeerReport
	require.NoError(t, json.Unmarshal(res.Payload, &report))
	require.NotEmpty(t, report.Vulnerabilities)
	require.NotEmpty(t, report.Recommendations)
}

func TestPeerAuditorRejectsMalformedPayload(t *testing.T) {
	handler := PeerAuditor(contracts.NewStaticAnalyzer())
	_, err := handler(context.Background(), Message{Payload: json.RawMessage(`"not an object"`)})
	require.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}
