// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package withdrawal

// ThresholdFunc returns how many of n notaries must take part in a step.
type ThresholdFunc func(n int) int

// SignThreshold is the default threshold: more than two thirds of n.  It
// tolerates up to a third of the notaries being offline or faulty.
func SignThreshold(n int) int {
	return n*2/3 + 1
}
