package hub

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/triagebackend/consult/services/agent"
	"github.com/triagebackend/consult/services/datatypes"
	"github.com/triagebackend/consult/services/graph"
	"github.com/triagebackend/consult/services/llm"
	"github.com/triagebackend/consult/services/triageerr"
	"github.com/triagebackend/consult/services/vectorstore"
)

func noopAgentFactory(_ context.Context, roomName string, publish agent.PublishFunc) *agent.RoomAgent {
	client := llm.NewLocalClient(8)
	store := vectorstore.NewStore(nil, client)
	dag, err := graph.BuildAnalysisGraph(client, store)
	if err != nil {
		panic(err)
	}
	executor, err := graph.NewExecutor(dag, nil)
	if err != nil {
		panic(err)
	}
	return agent.NewRoomAgent(roomName, executor, publish, nil, 16)
}

func TestJoinCreatesRoomAndBroadcastsPeerJoined(t *testing.T) {
	h := New(noopAgentFactory, nil)

	p1, existing, err := h.Join(context.Background(), "room-a", "peer-1", "Alice", datatypes.RoleCustomer)
	require.NoError(t, err)
	require.Empty(t, existing)
	require.Equal(t, "peer-1", p1.ID)

	p2, existing2, err := h.Join(context.Background(), "room-a", "peer-2", "Bob", datatypes.RoleAgent)
	require.NoError(t, err)
	require.Len(t, existing2, 1)
	require.Equal(t, "peer-1", existing2[0].PeerID)

	select {
	case env := <-p1.Outbound():
		require.Equal(t, KindPeerJoined, env.Type)
		require.Equal(t, "peer-2", env.PeerID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for peer-joined broadcast")
	}

	rooms := h.Rooms()
	require.Len(t, rooms, 1)
	require.Equal(t, 2, rooms[0].PeerCount)
	_ = p2
}

func TestJoinRejectsAPeerAlreadyInARoom(t *testing.T) {
	h := New(noopAgentFactory, nil)

	_, _, err := h.Join(context.Background(), "room-a", "peer-1", "Alice", datatypes.RoleCustomer)
	require.NoError(t, err)

	_, _, err = h.Join(context.Background(), "room-b", "peer-1", "Alice", datatypes.RoleCustomer)
	require.Error(t, err)
	require.True(t, errors.Is(err, triageerr.ErrBadRequest))
}

func TestLeaveDestroysEmptyRoomAndBroadcastsPeerLeft(t *testing.T) {
	h := New(noopAgentFactory, nil)

	_, _, err := h.Join(context.Background(), "room-a", "peer-1", "Alice", datatypes.RoleCustomer)
	require.NoError(t, err)
	p2, _, err := h.Join(context.Background(), "room-a", "peer-2", "Bob", datatypes.RoleAgent)
	require.NoError(t, err)

	// No drain is needed: p2 is the joiner and is excluded from its own
	// peer-joined announcement, so the next read on p2 is peer-left.
	require.NoError(t, h.Leave("peer-1"))

	select {
	case env := <-p2.Outbound():
		require.Equal(t, KindPeerLeft, env.Type)
		require.Equal(t, "peer-1", env.PeerID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for peer-left broadcast")
	}

	require.NoError(t, h.Leave("peer-2"))
	require.Empty(t, h.Rooms())
}

func TestLeaveUnknownPeerFails(t *testing.T) {
	h := New(noopAgentFactory, nil)
	err := h.Leave("ghost")
	require.Error(t, err)
	require.True(t, errors.Is(err, triageerr.ErrNotFound))
}

func TestRouteForwardsEnvelopeToNamedPeerOnly(t *testing.T) {
	h := New(noopAgentFactory, nil)

	p1, _, err := h.Join(context.Background(), "room-a", "peer-1", "Alice", datatypes.RoleCustomer)
	require.NoError(t, err)
	p2, _, err := h.Join(context.Background(), "room-a", "peer-2", "Bob", datatypes.RoleAgent)
	require.NoError(t, err)
	p3, _, err := h.Join(context.Background(), "room-a", "peer-3", "Carl", datatypes.RoleAgent)
	require.NoError(t, err)

	// Drain the peer-joined announcements p1/p2 received for later joiners.
	<-p1.Outbound()
	<-p1.Outbound()
	<-p2.Outbound()

	offer := Envelope{Type: KindOffer, To: "peer-2", Payload: []byte(`{"sdp":"x"}`)}
	require.NoError(t, h.Route("peer-1", offer))

	select {
	case env := <-p2.Outbound():
		require.Equal(t, KindOffer, env.Type)
		require.Equal(t, "peer-1", env.From)
		require.Equal(t, []byte(`{"sdp":"x"}`), []byte(env.Payload))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for routed offer")
	}

	select {
	case env := <-p3.Outbound():
		t.Fatalf("peer-3 should not have received the offer, got %+v", env)
	default:
	}
}

func TestRouteToUnknownDestinationFails(t *testing.T) {
	h := New(noopAgentFactory, nil)
	_, _, err := h.Join(context.Background(), "room-a", "peer-1", "Alice", datatypes.RoleCustomer)
	require.NoError(t, err)

	err = h.Route("peer-1", Envelope{Type: KindOffer, To: "peer-404"})
	require.Error(t, err)
	require.True(t, errors.Is(err, triageerr.ErrNotFound))
}

func TestDeliverTranscriptRequiresAJoinedPeer(t *testing.T) {
	h := New(noopAgentFactory, nil)
	err := h.DeliverTranscript("ghost", "hello", time.Now(), nil)
	require.Error(t, err)
	require.True(t, errors.Is(err, triageerr.ErrNotFound))
}

func TestDeliverTranscriptReachesRoomAgent(t *testing.T) {
	h := New(noopAgentFactory, nil)
	p1, _, err := h.Join(context.Background(), "room-a", "peer-1", "Alice", datatypes.RoleCustomer)
	require.NoError(t, err)

	require.NoError(t, h.DeliverTranscript("peer-1", "I need a refund", time.Now(), nil))

	// The room's agent runs the analysis graph asynchronously and publishes
	// results back through the Hub, which broadcasts them to every peer
	// including the sender.
	deadline := time.After(5 * time.Second)
	seen := 0
	for seen < 7 {
		select {
		case env := <-p1.Outbound():
			require.Equal(t, KindAgentResult, env.Type)
			seen++
		case <-deadline:
			t.Fatalf("timed out waiting for agent results, got %d/7", seen)
		}
	}
}
