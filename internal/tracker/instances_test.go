package tracker

import (
	"testing"

	"podagent/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstanceLifecycle(t *testing.T) {
	tr := New(Config{})

	inst, err := tr.CreateInstance("demo", map[string]string{"gpu_type": "A40"})
	require.NoError(t, err)
	assert.Equal(t, store.InstanceRequested, inst.State)

	_, err = tr.SetInstanceState("demo", store.InstanceProvisioning)
	require.NoError(t, err)

	inst, err = tr.BindInstance("demo", "pod-123", map[string]string{"ssh_host": "1.2.3.4"})
	require.NoError(t, err)
	assert.Equal(t, "pod-123", inst.ID)
	assert.Equal(t, "A40", inst.Metadata["gpu_type"])
	assert.Equal(t, "1.2.3.4", inst.Metadata["ssh_host"])

	for _, next := range []store.InstanceState{store.InstanceReady, store.InstanceTerminating, store.InstanceTerminated} {
		_, err = tr.SetInstanceState("demo", next)
		require.NoError(t, err, "transition to %s", next)
	}

	byID, ok := tr.InstanceByID("pod-123")
	require.True(t, ok)
	assert.Equal(t, store.InstanceTerminated, byID.State)
	assert.False(t, byID.Active())
}

func TestInstance_IllegalTransition(t *testing.T) {
	tr := New(Config{})
	_, _ = tr.CreateInstance("demo", nil)

	_, err := tr.SetInstanceState("demo", store.InstanceTerminated)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = tr.SetInstanceState("missing", store.InstanceReady)
	assert.ErrorIs(t, err, ErrInstanceNotFound)
}

func TestCreateInstance_NameInUse(t *testing.T) {
	tr := New(Config{})
	_, err := tr.CreateInstance("demo", nil)
	require.NoError(t, err)

	_, err = tr.CreateInstance("demo", nil)
	assert.ErrorIs(t, err, ErrInstanceNameInUse)

	_, _ = tr.SetInstanceState("demo", store.InstanceError)
	_, err = tr.CreateInstance("demo", nil)
	assert.NoError(t, err, "a failed instance name can be reused")
}

func TestAdoptInstance(t *testing.T) {
	tr := New(Config{})
	inst := tr.AdoptInstance("pod-x", "", store.InstanceReady)
	assert.Equal(t, "pod-x", inst.Name)

	got, ok := tr.InstanceByID("pod-x")
	require.True(t, ok)
	assert.Equal(t, store.InstanceReady, got.State)
	assert.Len(t, tr.Instances(), 1)
}

func TestAnnotateInstance(t *testing.T) {
	tr := New(Config{})
	tr.AdoptInstance("pod-1", "demo", store.InstanceReady)

	inst, err := tr.AnnotateInstance("pod-1", map[string]string{"dataset": "CelebV-HQ"})
	require.NoError(t, err)
	assert.Equal(t, "CelebV-HQ", inst.Metadata["dataset"])

	_, err = tr.AnnotateInstance("missing", nil)
	assert.ErrorIs(t, err, ErrInstanceNotFound)
}

func TestSetInstanceStateByID(t *testing.T) {
	tr := New(Config{})
	tr.AdoptInstance("pod-1", "demo", store.InstanceReady)

	inst, err := tr.SetInstanceStateByID("pod-1", store.InstanceError)
	require.NoError(t, err)
	assert.Equal(t, store.InstanceError, inst.State)

	inst, err = tr.SetInstanceStateByID("pod-1", store.InstanceError)
	require.NoError(t, err, "repeating the current state is a no-op")

	_, err = tr.SetInstanceStateByID("missing", store.InstanceError)
	assert.ErrorIs(t, err, ErrInstanceNotFound)
}
