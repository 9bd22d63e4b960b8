package gallery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionCountersConsistent(t *testing.T) {
	assert.True(t, SessionCounters{}.Consistent())
	assert.True(t, SessionCounters{Total: 10, Processed: 6, Succeeded: 4, Failed: 1, Skipped: 1}.Consistent())
	assert.True(t, SessionCounters{Total: 3, Processed: 3, Succeeded: 3}.Consistent())

	assert.False(t, SessionCounters{Total: 10, Processed: 5, Succeeded: 4}.Consistent(),
		"processed must equal succeeded+failed+skipped")
	assert.False(t, SessionCounters{Total: 2, Processed: 3, Succeeded: 3}.Consistent(),
		"processed must not exceed total")
}

func TestJobTypeValid(t *testing.T) {
	for _, typ := range []JobType{
		JobRetakeScreenshot,
		JobRetakeScreenshotRemoveSelector,
		JobRetakeAuthorRemoveSelector,
		JobChangeHomepage,
	} {
		require.True(t, typ.Valid(), "%s", typ)
	}
	require.False(t, JobType("rebuild-index").Valid())
	require.False(t, JobType("").Valid())
}
