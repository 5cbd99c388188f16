package eventsink

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/khryptorgraphics/workengine/pkg/events"
)

func TestSinkBroadcastsPublishedEvents(t *testing.T) {
	bus := events.NewBus()
	sink := New()
	sink.Subscribe(bus)
	defer sink.Close()

	srv := httptest.NewServer(http.HandlerFunc(sink.ServeHTTP))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	time.Sleep(10 * time.Millisecond)
	bus.Publish(events.NewNodeReady("A"))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(msg), "NodeReady")
	require.Contains(t, string(msg), `"Node":"A"`)
}
