// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

//go:build s390x || ppc64 || mips || mips64

package modbus

// See endian_little.go. ppc64le is little-endian and is handled there.
const hostLittleEndian = false
