package handlers

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/sand/crypto-p2p-exchange/backend/internal/entities"
	"github.com/sand/crypto-p2p-exchange/backend/internal/usecases"
)

func TestOrderHubDeliversToParties(t *testing.T) {
	s := newTestServer(t)
	server := httptest.NewServer(s.router)
	defer server.Close()

	dial := func(userID int64) *websocket.Conn {
		url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/orders?access_token=" + s.token(t, userID)
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		return conn
	}

	merchant := dial(2)
	defer merchant.Close()
	outsider := dial(3)
	defer outsider.Close()
	require.Eventually(t, func() bool { return s.hub.ClientCount() == 2 }, time.Second, 5*time.Millisecond)

	s.hub.NotifyOrder(usecases.OrderEventCreated, entities.P2POrder{ID: 9, TakerID: 1, MerchantID: 2})

	require.NoError(t, merchant.SetReadDeadline(time.Now().Add(time.Second)))
	var event OrderEvent
	require.NoError(t, merchant.ReadJSON(&event))
	require.Equal(t, usecases.OrderEventCreated, event.Type)
	require.EqualValues(t, 9, event.Order.ID)

	require.NoError(t, outsider.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := outsider.ReadMessage()
	require.Error(t, err, "outsider receives nothing")

	merchant.Close()
	require.Eventually(t, func() bool { return s.hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestOrderHubRequiresToken(t *testing.T) {
	s := newTestServer(t)
	server := httptest.NewServer(s.router)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/orders"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, 401, resp.StatusCode)
}
