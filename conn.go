package dreshard

import (
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// Conn represents a connection from either node to the orchestrator or the other way around
// it implements common logic across both sides
type Conn struct {
	netConn net.Conn
	sendmu  sync.Mutex
	logger  Logger

	ID atomic.Value

	// called on incoming messages
	MessageHandler func(*Message)

	// called when the connection is closed
	ConnClosedHanlder func()
}

var idCounter = new(int64)

func getNewID() int64 {
	return atomic.AddInt64(idCounter, 1)
}

// ConnFromNetCon wraps a Conn around a net.Conn
func ConnFromNetCon(conn net.Conn, logger Logger) *Conn {
	c := &Conn{
		netConn: conn,
		logger:  logger,
	}

	c.ID.Store("unknown-" + strconv.FormatInt(getNewID(), 10))
	return c
}

// Listen starts listening for events on the connection
func (c *Conn) Listen() {
	c.Log(LogInfo, nil, "starting listening for events")

	var err error
	defer func() {
		if err != nil && err != io.EOF {
			c.Log(LogError, err, "an error occured while handling a connection")
		}

		c.netConn.Close()

		if c.ConnClosedHanlder != nil {
			c.ConnClosedHanlder()
		}
	}()

	header := make([]byte, 8)
	for {
		// Read the event id and the body length
		_, err = io.ReadFull(c.netConn, header)
		if err != nil {
			return
		}

		id := EventType(binary.LittleEndian.Uint32(header[:4]))
		l := binary.LittleEndian.Uint32(header[4:])
		body := make([]byte, int(l))
		if l > 0 {
			// Read the body, if there was one
			_, err = io.ReadFull(c.netConn, body)
			if err != nil {
				err = errors.WithMessage(err, "reading body")
				return
			}
		}

		decoded, decodeErr := DecodePayload(id, body)
		if decodeErr != nil {
			c.Log(LogError, decodeErr, "failed decoding payload, skipping "+id.String())
			continue
		}

		c.MessageHandler(&Message{
			EvtID:       id,
			DecodedBody: decoded,
		})
	}
}

// Send sends the specified message over the connection, marshaling the data using msgpack
// this locks the writer
func (c *Conn) Send(evtID EventType, data interface{}) error {
	encoded, err := EncodeMessage(evtID, data)
	if err != nil {
		return errors.WithMessage(err, "EncodeEvent")
	}

	c.sendmu.Lock()
	defer c.sendmu.Unlock()

	return c.SendNoLock(encoded)
}

// Same as Send but logs the error (usefull for launching send in new goroutines)
func (c *Conn) SendLogErr(evtID EventType, data interface{}) {
	err := c.Send(evtID, data)
	if err != nil {
		c.Log(LogError, err, "failed sending "+evtID.String())
	}
}

// SendNoLock sends the specified message over the connection
// This does no locking and the caller is responsible for making sure its not called in multiple goroutines at the same time
func (c *Conn) SendNoLock(data []byte) error {
	_, err := c.netConn.Write(data)
	return errors.WithMessage(err, "netConn.Write")
}

// Close closes the underlying connection, Listen returns shortly after
func (c *Conn) Close() error {
	return c.netConn.Close()
}

func (c *Conn) GetID() string {
	return c.ID.Load().(string)
}

// RemoteAddr is the address of the other side of the connection
func (c *Conn) RemoteAddr() string {
	return c.netConn.RemoteAddr().String()
}

// Log will log to the designated logger or the standard logger
func (c *Conn) Log(level LogLevel, err error, msg string) {
	if err != nil {
		msg = msg + ": " + err.Error()
	}

	msg = "[" + c.GetID() + "] " + msg
	if c.logger == nil {
		StdLogInstance.Log(level, msg)
	} else {
		c.logger.Log(level, msg)
	}
}
