package kafka

import (
	"errors"
	"fmt"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/errors"
)

func TestDeliveryAttempt(t *testing.T) {
	assert.Equal(t, 1, DeliveryAttempt(nil))
	assert.Equal(t, 3, DeliveryAttempt([]kafka.Header{{Key: headerAttempt, Value: []byte("3")}}))
	assert.Equal(t, 1, DeliveryAttempt([]kafka.Header{{Key: headerAttempt, Value: []byte("junk")}}))
}

func TestWithHeaderReplaces(t *testing.T) {
	headers := []kafka.Header{
		{Key: "trace", Value: []byte("abc")},
		{Key: headerAttempt, Value: []byte("1")},
	}
	out := withHeader(headers, headerAttempt, "2")

	require.Len(t, out, 2)
	assert.Equal(t, 2, DeliveryAttempt(out))
	assert.Equal(t, "abc", string(out[0].Value))
	assert.Equal(t, "1", string(headers[1].Value), "input headers must not be mutated")
}

func TestNextAction(t *testing.T) {
	transient := fmt.Errorf("%w: upstream 503", apperrors.ErrTransientService)
	integrity := fmt.Errorf("%w: 3 sections but 2 embeddings", apperrors.ErrDataIntegrity)

	tests := []struct {
		name    string
		err     error
		attempt int
		max     int
		want    Action
	}{
		{"transient first attempt", transient, 1, 5, ActionRetry},
		{"transient last attempt", transient, 5, 5, ActionDeadLetter},
		{"integrity is never retried", integrity, 1, 5, ActionDeadLetter},
		{"malformed payload", apperrors.ErrInvalidInput, 1, 5, ActionDeadLetter},
		{"unbounded deliveries", errors.New("boom"), 50, 0, ActionRetry},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NextAction(tt.err, tt.attempt, tt.max))
		})
	}
}

func TestDecodeJSON(t *testing.T) {
	type payload struct {
		DocID string `json:"doc_id"`
	}
	v, err := DecodeJSON[payload]([]byte(`{"doc_id":"d1"}`))
	require.NoError(t, err)
	assert.Equal(t, "d1", v.DocID)

	_, err = DecodeJSON[payload]([]byte(`{`))
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}
