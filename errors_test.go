package dealhunter

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateAnswer(t *testing.T) {
	require.NoError(t, ValidateAnswer("looks good"))

	var invalid *InvalidAnswerError
	require.ErrorAs(t, ValidateAnswer(""), &invalid)
	require.ErrorAs(t, ValidateAnswer("  \t "), &invalid)

	long := make([]byte, MaxAnswerLength+1)
	for i := range long {
		long[i] = 'x'
	}
	require.ErrorAs(t, ValidateAnswer(string(long)), &invalid)
}
