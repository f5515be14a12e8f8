package backend

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/twinleaf/trendline/internal/monitor"
	"github.com/twinleaf/trendline/internal/plotdata"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// wsChannel decodes JSON messages of a websocket connection into a Go channel
type wsChannel[T any] struct {
	conn   *websocket.Conn
	out    chan T
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

func newWSChannel[T any](conn *websocket.Conn, logger *slog.Logger) *wsChannel[T] {
	c := wsChannel[T]{
		conn:   conn,
		out:    make(chan T, 1),
		done:   make(chan struct{}),
		logger: logger,
	}
	go c.read()
	return &c
}

func (c *wsChannel[T]) read() {
	defer close(c.out)

	for {
		var v T
		if err := c.conn.ReadJSON(&v); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("channel read", slog.Any("error", err))
			}
			return
		}

		select {
		case c.out <- v:
		case <-c.done:
			return
		}
	}
}

// Close sends a close frame and closes the connection
func (c *wsChannel[T]) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if werr := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); werr != nil {
			c.logger.Debug("sending close frame", slog.Any("error", werr))
		}
		err = c.conn.Close()
	})
	return err
}

type plotChannel struct {
	*wsChannel[plotdata.PlotData]
}

func (c plotChannel) Frames() <-chan plotdata.PlotData {
	return c.out
}

type statisticsChannel struct {
	*wsChannel[monitor.Statistics]
}

func (c statisticsChannel) Updates() <-chan monitor.Statistics {
	return c.out
}
