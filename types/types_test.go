package types

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeltaKeyStringOrdersI64ByValueNotByDigits(t *testing.T) {
	neg10 := DeltaKey{Kind: DeltaKeyI64, I64: -10}
	neg5 := DeltaKey{Kind: DeltaKeyI64, I64: -5}
	zero := DeltaKey{Kind: DeltaKeyI64, I64: 0}
	pos5 := DeltaKey{Kind: DeltaKeyI64, I64: 5}

	require.True(t, neg10.String() < neg5.String(), "-10 must sort before -5")
	require.True(t, neg5.String() < zero.String(), "-5 must sort before 0")
	require.True(t, zero.String() < pos5.String(), "0 must sort before 5")
}

func TestDeltaKeyStringOrdersF64ByValueNotByDigits(t *testing.T) {
	neg10 := DeltaKey{Kind: DeltaKeyF64, F64: -10.5}
	neg5 := DeltaKey{Kind: DeltaKeyF64, F64: -5.25}
	zero := DeltaKey{Kind: DeltaKeyF64, F64: 0}
	pos5 := DeltaKey{Kind: DeltaKeyF64, F64: 5.25}

	require.True(t, neg10.String() < neg5.String(), "-10.5 must sort before -5.25")
	require.True(t, neg5.String() < zero.String(), "-5.25 must sort before 0")
	require.True(t, zero.String() < pos5.String(), "0 must sort before 5.25")
}
