package test

import (
	"os"
	"path"
)

const (
	// TestDirectory is the scratch directory used by tests that touch the filesystem.
	TestDirectory = "/tmp/icecanetm_test/"
)

// CreateTestDirectory creates a test directory for running tests.
func CreateTestDirectory(testDirectory string) {
	os.MkdirAll(testDirectory, os.ModePerm)
}

// CleanupTestDirectory cleans up the test directory.
func CleanupTestDirectory(testDirectory string) error {
	dir, err := os.ReadDir(testDirectory)
	if err != nil {
		return err
	}
	for _, d := range dir {
		os.RemoveAll(path.Join([]string{testDirectory, d.Name()}...))
	}
	return nil
}
