// go-sdspi
// Copyright (c) 2025 The Zaparoo Project Contributors.
// SPDX-License-Identifier: LGPL-3.0-or-later
//
// This file is part of go-sdspi.
//
// go-sdspi is free software; you can redistribute it and/or
// modify it under the terms of the GNU Lesser General Public
// License as published by the Free Software Foundation; either
// version 3 of the License, or (at your option) any later version.
//
// go-sdspi is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with go-sdspi; if not, write to the Free Software Foundation,
// Inc., 51 Franklin Street, Fifth Floor, Boston, MA  02110-1301, USA.

package sdspi

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ZaparooProject/go-sdspi/detection"
	testutil "github.com/ZaparooProject/go-sdspi/internal/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// deafExchanger swallows the first deaf bytes, as a card still powering up
// after insertion does
type deafExchanger struct {
	card *testutil.VirtualCard
	mu   sync.Mutex
	deaf int
}

func (d *deafExchanger) Exchange(out byte) byte {
	d.mu.Lock()
	if d.deaf > 0 {
		d.deaf--
		d.mu.Unlock()
		return 0xFF
	}
	d.mu.Unlock()
	return d.card.Exchange(out)
}

func deafFactory(deaf int) (TransportFactory, *[]*ExchangeTransport) {
	var opened []*ExchangeTransport
	return func(string) (Transport, error) {
		t := NewExchangeTransport(&deafExchanger{
			card: testutil.NewVirtualCard(testutil.DefaultCardConfig()),
			deaf: deaf,
		})
		opened = append(opened, t)
		return t, nil
	}, &opened
}

func TestConnect_ManualPath(t *testing.T) {
	t.Parallel()
	factory, opened := deafFactory(0)
	h := &haltRecorder{}
	d, err := Connect(context.Background(), "/dev/spidev0.0",
		WithTransportFactory(factory), WithDiskOptions(WithHalter(h)))
	require.NoError(t, err)
	assert.Equal(t, CapacityHigh, d.Session().Capacity)
	assert.Len(t, *opened, 1)
	assert.Zero(t, h.count())
	require.NoError(t, d.Close())
}

func TestConnect_RetriesBringUp(t *testing.T) {
	t.Parallel()
	factory, _ := deafFactory(30)
	h := &haltRecorder{}
	d, err := Connect(context.Background(), "/dev/spidev0.0",
		WithTransportFactory(factory), WithDiskOptions(WithHalter(h)))
	require.NoError(t, err)
	assert.True(t, d.Session().Ready)
	assert.Zero(t, h.count())
}

func TestConnect_RetriesExhausted(t *testing.T) {
	t.Parallel()
	factory, opened := deafFactory(1 << 30)
	h := &haltRecorder{}
	_, err := Connect(context.Background(), "/dev/spidev0.0",
		WithTransportFactory(factory),
		WithConnectionRetries(2),
		WithDiskOptions(WithHalter(h)))

	var fe *FatalError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "connect", fe.Op)
	assert.Contains(t, err.Error(), "after 2 attempt(s)")
	require.ErrorIs(t, err, ErrBusWedged)
	assert.Equal(t, 1, h.count())
	require.ErrorIs(t, (*opened)[0].SendByte(0), ErrTransportClosed)
}

func TestConnect_Timeout(t *testing.T) {
	t.Parallel()
	factory, _ := deafFactory(1 << 30)
	h := &haltRecorder{}
	start := time.Now()
	_, err := Connect(context.Background(), "/dev/spidev0.0",
		WithTransportFactory(factory),
		WithConnectionRetries(1000),
		WithConnectTimeout(20*time.Millisecond),
		WithDiskOptions(WithHalter(h)))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, 1, h.count())
}

func TestConnect_TransportErrors(t *testing.T) {
	t.Parallel()
	_, err := Connect(context.Background(), "/dev/spidev0.0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transport factory not provided")

	boom := errors.New("no such device")
	_, err = Connect(context.Background(), "/dev/spidev9.9", WithTransportFactory(func(string) (Transport, error) {
		return nil, boom
	}))
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "failed to open /dev/spidev9.9")
}

func TestConnect_InvalidOptions(t *testing.T) {
	t.Parallel()
	_, err := Connect(context.Background(), "p", WithConnectionRetries(0))
	require.ErrorIs(t, err, ErrInvalidParameter)

	bad := DefaultConfig()
	bad.BusyPolls = 0
	_, err = Connect(context.Background(), "p", WithDiskOptions(WithConfig(bad)))
	require.ErrorIs(t, err, ErrInvalidParameter)
}

func TestConnect_AutoDetection(t *testing.T) {
	t.Parallel()
	var gotOpts *detection.Options
	var gotDevice detection.DeviceInfo
	detector := func(_ context.Context, opts *detection.Options) ([]detection.DeviceInfo, error) {
		gotOpts = opts
		return []detection.DeviceInfo{
			{Transport: "buspirate", Path: "/dev/ttyUSB0", Confidence: detection.Medium},
			{Transport: "spidev", Path: "/dev/spidev0.0"},
		}, nil
	}
	factory, _ := deafFactory(0)

	d, err := Connect(context.Background(), "",
		WithDeviceDetector(detector),
		WithTransportFromDeviceFactory(func(dev detection.DeviceInfo) (Transport, error) {
			gotDevice = dev
			return factory(dev.Path)
		}),
		WithDiskOptions(WithHalter(&haltRecorder{})))
	require.NoError(t, err)
	assert.True(t, d.Session().Ready)
	assert.Equal(t, detection.Safe, gotOpts.Mode)
	assert.Equal(t, "/dev/ttyUSB0", gotDevice.Path)
}

func TestConnect_AutoDetectionSingleAttempt(t *testing.T) {
	t.Parallel()
	factory, opened := deafFactory(30)
	h := &haltRecorder{}
	_, err := Connect(context.Background(), "/dev/spidev0.0",
		WithAutoDetection(),
		WithDeviceDetector(func(context.Context, *detection.Options) ([]detection.DeviceInfo, error) {
			return []detection.DeviceInfo{{Path: "/dev/spidev0.0"}}, nil
		}),
		WithTransportFromDeviceFactory(func(dev detection.DeviceInfo) (Transport, error) {
			return factory(dev.Path)
		}),
		WithDiskOptions(WithHalter(h)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 1 attempt(s)")
	assert.Len(t, *opened, 1)
}

func TestConnect_AutoDetectionErrors(t *testing.T) {
	t.Parallel()
	factory := WithTransportFromDeviceFactory(func(detection.DeviceInfo) (Transport, error) {
		return nil, errors.New("unreachable")
	})

	_, err := Connect(context.Background(), "", WithDeviceDetector(
		func(context.Context, *detection.Options) ([]detection.DeviceInfo, error) {
			return nil, nil
		}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transport device factory not provided")

	_, err = Connect(context.Background(), "", factory, WithDeviceDetector(
		func(context.Context, *detection.Options) ([]detection.DeviceInfo, error) {
			return nil, nil
		}))
	require.ErrorIs(t, err, detection.ErrNoDevicesFound)

	_, err = Connect(context.Background(), "", factory)
	require.ErrorIs(t, err, detection.ErrNoDetectors, "no detector packages imported")
}
