package identity

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveFingerprint_Deterministic(t *testing.T) {
	hw := Hardware{
		MachineID: "4c4c4544-0042",
		Hostname:  "scale-07",
		MACs:      []string{"AA:BB:CC:00:00:02", "aa:bb:cc:00:00:01"},
	}
	a, err := DeriveFingerprint(hw)
	require.NoError(t, err)

	reordered := hw
	reordered.MACs = []string{"aa:bb:cc:00:00:01", "AA:BB:CC:00:00:02"}
	b, err := DeriveFingerprint(reordered)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Len(t, a, fingerprintLen)

	other := hw
	other.Hostname = "scale-08"
	c, err := DeriveFingerprint(other)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestGetOrCreateFingerprint_PersistsOnce(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	calls := 0
	probe := func() (Hardware, error) {
		calls++
		return Hardware{MachineID: "mid", Hostname: "host"}, nil
	}
	m := NewManager(st, &fakeAPI{}, WithHardwareProbe(probe))

	first, err := m.GetOrCreateFingerprint(ctx)
	require.NoError(t, err)
	second, err := m.GetOrCreateFingerprint(ctx)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, calls)

	id, err := st.LoadIdentity(ctx)
	require.NoError(t, err)
	assert.Equal(t, SourceHardware, id.Source)
}

func TestGetOrCreateFingerprint_FallsBackToRandom(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	probe := func() (Hardware, error) { return Hardware{}, errors.New("no sysfs") }
	m := NewManager(st, &fakeAPI{}, WithHardwareProbe(probe))

	fp, err := m.GetOrCreateFingerprint(ctx)
	require.NoError(t, err)
	_, err = uuid.Parse(fp)
	assert.NoError(t, err)

	// Stable from then on, even if the hardware becomes readable.
	m2 := NewManager(st, &fakeAPI{}, WithHardwareProbe(func() (Hardware, error) {
		return Hardware{MachineID: "mid"}, nil
	}))
	again, err := m2.GetOrCreateFingerprint(ctx)
	require.NoError(t, err)
	assert.Equal(t, fp, again)

	id, err := st.LoadIdentity(ctx)
	require.NoError(t, err)
	assert.Equal(t, SourceRandom, id.Source)
}

func TestGetOrCreateFingerprint_HostnameAloneIsNotEnough(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	m := NewManager(st, &fakeAPI{}, WithHardwareProbe(func() (Hardware, error) {
		return Hardware{Hostname: "host"}, nil
	}))

	_, err := m.GetOrCreateFingerprint(ctx)
	require.NoError(t, err)

	id, err := st.LoadIdentity(ctx)
	require.NoError(t, err)
	assert.Equal(t, SourceRandom, id.Source)
}
