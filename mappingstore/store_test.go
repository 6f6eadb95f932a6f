package mappingstore

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Cumulocity-IoT/cumulocity-dynamic-mapper-sub003/model"
)

func TestMappingKey(t *testing.T) {
	assert.Equal(t, "t1.m-temp", mappingKey("t1", "m-temp"))
}

type capturingConn struct {
	subject string
	data    []byte
	err     error
}

func (c *capturingConn) Publish(subject string, data []byte) error {
	if c.err != nil {
		return c.err
	}
	c.subject = subject
	c.data = data
	return nil
}

func TestStatusPublisherSubjectAndPayload(t *testing.T) {
	conn := &capturingConn{}
	pub := NewStatusPublisher(conn, "", nil)

	statuses := []model.MappingStatus{
		{Identifier: "m1", Name: "temperature", MessagesReceived: 7, Errors: 1},
	}
	require.NoError(t, pub.PublishMappingStatus(context.Background(), "t1", statuses))

	assert.Equal(t, "dynmapper.status.t1", conn.subject)

	var decoded []model.MappingStatus
	require.NoError(t, json.Unmarshal(conn.data, &decoded))
	require.Len(t, decoded, 1)
	assert.Equal(t, int64(7), decoded[0].MessagesReceived)
}

func TestStatusPublisherPropagatesConnError(t *testing.T) {
	conn := &capturingConn{err: fmt.Errorf("connection closed")}
	pub := NewStatusPublisher(conn, "status", nil)

	err := pub.PublishMappingStatus(context.Background(), "t1", nil)
	assert.Error(t, err)
}
