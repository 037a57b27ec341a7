// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package irq

import (
	"gvisor.dev/gvisor/pkg/eventfd"
)

// Line is an interrupt line backed by an eventfd. The device side calls
// Raise; the host side waits. Interrupts raised while nobody waits are
// coalesced into one.
type Line struct {
	ev eventfd.Eventfd
}

// NewLine creates a Line.
func NewLine() (*Line, error) {
	ev, err := eventfd.Create()
	if err != nil {
		return nil, err
	}
	return &Line{ev: ev}, nil
}

// Raise signals an interrupt.
func (l *Line) Raise() error {
	return l.ev.Notify()
}

// Wait implements Source.Wait.
func (l *Line) Wait() error {
	return l.ev.Wait()
}

// Wake implements Source.Wake.
func (l *Line) Wake() error {
	return l.ev.Notify()
}

// Close implements Source.Close.
func (l *Line) Close() error {
	return l.ev.Close()
}
