/**
 * Copyright 2020 The IcecaneDB Authors. All rights reserved.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *      https://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package common

import (
	"fmt"
	"io/ioutil"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

const (
	// DefaultBucketCapacity is the number of transaction slots in a single timeout bucket.
	DefaultBucketCapacity int = 1024

	// DefaultSetGrowth is the number of slots a volatile enlistment set grows by on overflow.
	DefaultSetGrowth int = 8
)

// TMConfig defines the configuration settings for the transaction manager.
type TMConfig struct {
	// DefaultTimeout is applied to transactions that do not ask for a specific timeout.
	// Zero means such transactions never expire.
	DefaultTimeout Duration `yaml:"defaultTimeout"`

	// MaxTimeout caps every requested timeout. Zero disables the cap.
	MaxTimeout Duration `yaml:"maxTimeout"`

	// TickInterval is the resolution of the expiration clock.
	TickInterval Duration `yaml:"tickInterval"`

	// BucketCapacity is the number of slots in one timeout bucket.
	BucketCapacity int `yaml:"bucketCapacity"`

	// SetGrowth is the growth increment of the volatile enlistment sets.
	SetGrowth int `yaml:"setGrowth"`

	// MetricsPort exposes /metrics when non zero (cmd only).
	MetricsPort int `yaml:"metricsPort"`

	// GrpcPort exposes the grpc health service when non zero (cmd only).
	GrpcPort int `yaml:"grpcPort"`

	// Logging config
	LogTransitions bool `yaml:"logTransitions"`
	LogTimeouts    bool `yaml:"logTimeouts"`
}

// NewDefaultTMConfig returns a new default transaction manager configuration.
func NewDefaultTMConfig() *TMConfig {
	return &TMConfig{
		DefaultTimeout: Duration(time.Minute),
		MaxTimeout:     Duration(10 * time.Minute),
		TickInterval:   Duration(time.Second),
		BucketCapacity: DefaultBucketCapacity,
		SetGrowth:      DefaultSetGrowth,
	}
}

// Validate validates a TMConfig and returns an error if it's invalid.
func (conf *TMConfig) Validate() error {
	if conf.TickInterval <= 0 {
		return fmt.Errorf("invalid tick interval provided in config")
	}
	if conf.DefaultTimeout < 0 {
		return fmt.Errorf("invalid default timeout provided in config")
	}
	if conf.MaxTimeout < 0 {
		return fmt.Errorf("invalid max timeout provided in config")
	}
	if conf.MaxTimeout != 0 && conf.DefaultTimeout > conf.MaxTimeout {
		return fmt.Errorf("default timeout %s exceeds max timeout %s", conf.DefaultTimeout, conf.MaxTimeout)
	}
	if conf.BucketCapacity <= 0 {
		return fmt.Errorf("invalid bucket capacity provided in config")
	}
	if conf.SetGrowth <= 0 {
		return fmt.Errorf("invalid set growth provided in config")
	}
	if conf.MetricsPort < 0 || conf.GrpcPort < 0 {
		return fmt.Errorf("invalid port provided in config")
	}
	return nil
}

// LoadFromFile loads the config from the file. It assumes that config already has the defaults.
// In the case of an error, it leaves the config untouched.
func (conf *TMConfig) LoadFromFile(path string) error {
	log.Info(fmt.Sprintf("icecanetm::config::LoadFromFile; loading config from file %s", path))
	data, err := ioutil.ReadFile(path)
	if err != nil {
		log.Error(fmt.Sprintf("icecanetm::config::LoadFromFile; error reading config from file %s, error %s", path, err))
		return err
	}
	fconf := TMConfig{}
	err = yaml.Unmarshal(data, &fconf)
	if err != nil {
		log.Error(fmt.Sprintf("icecanetm::config::LoadFromFile; error unmarshalling config from file %s, error %s", path, err))
		return err
	}

	log.WithFields(log.Fields{"config": fconf}).Debug("icecanetm::config::LoadFromFile; read contents from the file")

	// populate fields
	if fconf.DefaultTimeout != 0 {
		conf.DefaultTimeout = fconf.DefaultTimeout
	}
	if fconf.MaxTimeout != 0 {
		conf.MaxTimeout = fconf.MaxTimeout
	}
	if fconf.TickInterval != 0 {
		conf.TickInterval = fconf.TickInterval
	}
	if fconf.BucketCapacity != 0 {
		conf.BucketCapacity = fconf.BucketCapacity
	}
	if fconf.SetGrowth != 0 {
		conf.SetGrowth = fconf.SetGrowth
	}
	if fconf.MetricsPort != 0 {
		conf.MetricsPort = fconf.MetricsPort
	}
	if fconf.GrpcPort != 0 {
		conf.GrpcPort = fconf.GrpcPort
	}
	conf.LogTransitions = conf.LogTransitions || fconf.LogTransitions
	conf.LogTimeouts = conf.LogTimeouts || fconf.LogTimeouts
	return nil
}
