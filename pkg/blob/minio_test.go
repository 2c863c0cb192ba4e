package blob

import (
	"errors"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"

	apperrors "github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/errors"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
	}{
		{"missing key", minio.ErrorResponse{Code: "NoSuchKey"}, apperrors.ErrNotFound},
		{"missing bucket", minio.ErrorResponse{Code: "NoSuchBucket"}, apperrors.ErrNotFound},
		{"throttled", minio.ErrorResponse{Code: "SlowDown"}, apperrors.ErrTransientService},
		{"network", errors.New("connection refused"), apperrors.ErrTransientService},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, classify(tt.err, "k"), tt.sentinel)
		})
	}
}

func TestClassifyAccessDeniedIsNotTransient(t *testing.T) {
	err := classify(minio.ErrorResponse{Code: "AccessDenied"}, "k")
	assert.NotErrorIs(t, err, apperrors.ErrTransientService)
	assert.NotErrorIs(t, err, apperrors.ErrNotFound)
}
