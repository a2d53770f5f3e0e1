package common

import (
	"io/ioutil"
	"path"
	"testing"
	"time"

	"github.com/dr0pdb/icecanetm/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	conf := NewDefaultTMConfig()
	assert.Nil(t, conf.Validate(), "Unexpected error validating the default config")
	assert.Equal(t, DefaultBucketCapacity, conf.BucketCapacity)
}

func TestValidateRejectsBadValues(t *testing.T) {
	conf := NewDefaultTMConfig()
	conf.TickInterval = 0
	assert.NotNil(t, conf.Validate(), "zero tick interval should be rejected")

	conf = NewDefaultTMConfig()
	conf.DefaultTimeout = Duration(time.Hour)
	conf.MaxTimeout = Duration(time.Minute)
	assert.NotNil(t, conf.Validate(), "default timeout above max timeout should be rejected")

	conf = NewDefaultTMConfig()
	conf.BucketCapacity = -1
	assert.NotNil(t, conf.Validate(), "negative bucket capacity should be rejected")
}

func TestLoadFromFile(t *testing.T) {
	test.CreateTestDirectory(test.TestDirectory)
	defer test.CleanupTestDirectory(test.TestDirectory)

	p := path.Join(test.TestDirectory, "tm.yaml")
	contents := "defaultTimeout: 5s\ntickInterval: 50ms\nbucketCapacity: 16\nlogTimeouts: true\n"
	require.Nil(t, ioutil.WriteFile(p, []byte(contents), 0644))

	conf := NewDefaultTMConfig()
	require.Nil(t, conf.LoadFromFile(p))

	assert.Equal(t, 5*time.Second, conf.DefaultTimeout.Std())
	assert.Equal(t, 50*time.Millisecond, conf.TickInterval.Std())
	assert.Equal(t, 16, conf.BucketCapacity)
	assert.True(t, conf.LogTimeouts)
	// untouched fields keep their defaults
	assert.Equal(t, DefaultSetGrowth, conf.SetGrowth)
	assert.Equal(t, 10*time.Minute, conf.MaxTimeout.Std())
}

func TestLoadFromFileLeavesConfigUntouchedOnError(t *testing.T) {
	test.CreateTestDirectory(test.TestDirectory)
	defer test.CleanupTestDirectory(test.TestDirectory)

	p := path.Join(test.TestDirectory, "bad.yaml")
	require.Nil(t, ioutil.WriteFile(p, []byte("tickInterval: forever\n"), 0644))

	conf := NewDefaultTMConfig()
	assert.NotNil(t, conf.LoadFromFile(p))
	assert.Equal(t, time.Second, conf.TickInterval.Std())

	assert.NotNil(t, conf.LoadFromFile(path.Join(test.TestDirectory, "missing.yaml")))
}
