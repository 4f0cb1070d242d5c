package chainspec

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadBuiltin(t *testing.T) {
	for id, want := range map[string]string{"": "dev", "dev": "dev", "local": "local_testnet", "rococo-local": "rococo-local"} {
		spec, err := Load(id)
		require.NoError(t, err)
		assert.Equal(t, want, spec.ID)
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	assert.ErrorIs(t, err, ErrUnknownChain)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spec.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: Custom
id: custom
protocolId: cst
paraId: 2042
authorities:
  - "0x0102"
`), 0o600))

	spec, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "custom", spec.ID)
	assert.EqualValues(t, 2042, spec.ParaID)

	g, err := spec.Genesis()
	require.NoError(t, err)
	assert.Equal(t, [][]byte{{0x01, 0x02}}, g.Authorities)
	assert.EqualValues(t, 2042, g.ParaID)

	t.Run("bad authority", func(t *testing.T) {
		_, err := (&ChainSpec{Authorities: []string{"zz"}}).Genesis()
		assert.Error(t, err)
	})

	t.Run("missing id", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, []byte("name: x\n"), 0o600))
		_, err := Load(path)
		assert.ErrorContains(t, err, "missing id")
	})
}
