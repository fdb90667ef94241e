// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package bloom

import (
	"fmt"
	"testing"
)

func TestNoFalseNegatives(t *testing.T) {
	keys := make([][]byte, 2000)
	for i := range keys {
		keys[i] = []byte(fmt.Sprintf("partition-key-%d", i))
	}
	f := New(len(keys), 0.01)
	for _, k := range keys {
		f.Add(k)
	}
	for _, k := range keys {
		if !f.Test(k) {
			t.Fatalf("false negative for key %q", k)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	f := New(100, 0.02)
	for i := 0; i < 100; i++ {
		f.AddUint64(uint64(i) * 0x9E3779B97F4A7C15)
	}
	enc := f.Bytes()
	dec, n, err := Decode(enc)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if n != len(enc) {
		t.Fatalf("Decode consumed %d bytes, want %d", n, len(enc))
	}
	for i := 0; i < 100; i++ {
		if !dec.TestUint64(uint64(i) * 0x9E3779B97F4A7C15) {
			t.Fatalf("round-tripped filter lost key %d", i)
		}
	}
}

func TestEmptyFilterIsMaybe(t *testing.T) {
	var f *Filter
	if !f.TestHash(1, 2) {
		t.Fatalf("nil filter must report maybe-present")
	}
}

func TestFalsePositiveRateRoughlyBounded(t *testing.T) {
	const n = 5000
	f := New(n, 0.01)
	for i := 0; i < n; i++ {
		f.Add([]byte(fmt.Sprintf("present-%d", i)))
	}
	fp := 0
	trials := 20000
	for i := 0; i < trials; i++ {
		if f.Test([]byte(fmt.Sprintf("absent-%d", i))) {
			fp++
		}
	}
	rate := float64(fp) / float64(trials)
	// loose bound: should not be wildly above target (0.01);
	// allow headroom since this is a statistical test
	if rate > 0.05 {
		t.Fatalf("false positive rate too high: %v", rate)
	}
}
