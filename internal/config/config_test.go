package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateHost(t *testing.T) {
	assert.NoError(t, ValidateHost("127.0.0.1"))
	assert.NoError(t, ValidateHost("example.com"))
	assert.Error(t, ValidateHost(""))
	assert.Error(t, ValidateHost("bad host"))
}

func TestValidatePort(t *testing.T) {
	assert.NoError(t, ValidatePort(1))
	assert.NoError(t, ValidatePort(65535))
	assert.Error(t, ValidatePort(0))
	assert.Error(t, ValidatePort(65536))
}

func TestValidateFragmentSize(t *testing.T) {
	assert.NoError(t, ValidateFragmentSize(0))
	assert.NoError(t, ValidateFragmentSize(ProtocolMaxPayload))
	assert.Error(t, ValidateFragmentSize(-1))
	assert.Error(t, ValidateFragmentSize(ProtocolMaxPayload+1))
}

func TestValidateSenderAggregatesErrors(t *testing.T) {
	errs := ValidateSender(SenderConfig{Host: "", Port: -1, FragmentSize: -1})
	assert.Len(t, errs, 3)

	errs = ValidateSender(SenderConfig{Host: "127.0.0.1", Port: 9000, FragmentSize: 0, Payload: []byte("x")})
	assert.Empty(t, errs)
}
