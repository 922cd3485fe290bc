package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidatePlatformRaw(t *testing.T) {
	assert.True(t, ValidatePlatformRaw("ios"))
	assert.True(t, ValidatePlatformRaw("android"))
	assert.True(t, ValidatePlatformRaw("web"))

	assert.False(t, ValidatePlatformRaw(""))
	assert.False(t, ValidatePlatformRaw("commodore64"))
	// whole-string match, not a prefix or suffix hit
	assert.False(t, ValidatePlatformRaw("iosx"))
	assert.False(t, ValidatePlatformRaw("myweb"))
}

func TestValidateSubscriptionRaw(t *testing.T) {
	assert.True(t, ValidateSubscriptionRaw("free"))
	assert.True(t, ValidateSubscriptionRaw("trial"))
	assert.True(t, ValidateSubscriptionRaw("pro"))
	assert.True(t, ValidateSubscriptionRaw("pro_plus"))

	assert.False(t, ValidateSubscriptionRaw("basic"))
	assert.False(t, ValidateSubscriptionRaw("freeloader"))
}

func TestIsFreePlan(t *testing.T) {
	free := "free"
	pro := "pro"
	assert.True(t, IsFreePlan(nil))
	assert.True(t, IsFreePlan(&free))
	assert.False(t, IsFreePlan(&pro))
}
