package status

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/cortex-grid/internal/logging"
)

func TestHandlerPushesInitialSnapshot(t *testing.T) {
	snapshot := func() ViewModel {
		return ViewModel{NodeID: "abc123", Timestamp: time.Now()}
	}
	srv := NewServer(logging.Nop(), snapshot, time.Hour)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	_, body, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(body), "abc123")
}
