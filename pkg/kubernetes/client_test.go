package kubernetes

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const kubeconfig = `apiVersion: v1
kind: Config
current-context: one
clusters:
- name: one
  cluster:
    server: https://one.example.com
- name: two
  cluster:
    server: https://two.example.com
contexts:
- name: one
  context:
    cluster: one
    user: steve
- name: two
  context:
    cluster: two
    user: steve
    namespace: batch
users:
- name: steve
  user:
    token: abc123
`

func writeKubeconfig(t *testing.T) string {
	t.Helper()

	fp := filepath.Join(t.TempDir(), "config")
	require.NoError(t, os.WriteFile(fp, []byte(kubeconfig), 0600))

	return fp
}

func TestRestConfig(t *testing.T) {
	fp := writeKubeconfig(t)

	cfg, err := RestConfig(fp, "")
	require.NoError(t, err)
	assert.Equal(t, "https://one.example.com", cfg.Host)

	cfg, err = RestConfig(fp, "two")
	require.NoError(t, err)
	assert.Equal(t, "https://two.example.com", cfg.Host)
	assert.Equal(t, "abc123", cfg.BearerToken)

	_, err = RestConfig(fp, "three")
	assert.ErrorContains(t, err, "cannot load kubeconfig")
}

func TestNamespace(t *testing.T) {
	fp := writeKubeconfig(t)

	assert.Equal(t, "default", Namespace(fp, ""))
	assert.Equal(t, "batch", Namespace(fp, "two"))
}

func TestClientset(t *testing.T) {
	fp := writeKubeconfig(t)

	cfg, err := RestConfig(fp, "")
	require.NoError(t, err)

	cs, err := Clientset(cfg)
	require.NoError(t, err)
	assert.NotNil(t, cs.CoreV1())
}
