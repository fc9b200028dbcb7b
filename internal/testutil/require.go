package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RequireNoError fails the test immediately if err is non-nil.
func RequireNoError(testingHandle *testing.T, err error, message string) {
	testingHandle.Helper()
	require.NoError(testingHandle, err, message)
}

// RequireEqual fails the test immediately when values are not equal.
func RequireEqual(testingHandle *testing.T, gotValue any, wantValue any, message string) {
	testingHandle.Helper()
	require.Equal(testingHandle, wantValue, gotValue, message)
}

// AssertEqual reports a non-fatal error when values are not equal.
func AssertEqual(testingHandle *testing.T, gotValue any, wantValue any, message string) {
	testingHandle.Helper()
	assert.Equal(testingHandle, wantValue, gotValue, message)
}

// RequireTrue fails the test immediately if condition is false.
func RequireTrue(testingHandle *testing.T, condition bool, message string) {
	testingHandle.Helper()
	require.True(testingHandle, condition, message)
}

// RequireStringContains fails the test immediately if substring is missing.
func RequireStringContains(testingHandle *testing.T, haystack string, needle string, message string) {
	testingHandle.Helper()
	require.Contains(testingHandle, haystack, needle, message)
}

// RequireEventually polls condition until it holds or the timeout elapses.
func RequireEventually(testingHandle *testing.T, condition func() bool, message string) {
	testingHandle.Helper()
	require.Eventually(testingHandle, condition, eventuallyTimeout, eventuallyTick, message)
}

// RequireErrorIs fails the test immediately unless err wraps target.
func RequireErrorIs(testingHandle *testing.T, err error, target error, message string) {
	testingHandle.Helper()
	require.ErrorIs(testingHandle, err, target, message)
}
