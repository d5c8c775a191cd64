// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

//go:build !s390x && !ppc64 && !mips && !mips64

package modbus

// hostLittleEndian is a compile-time constant selected by build tag rather
// than a runtime flag: host byte order never changes for a given binary, so
// there is nothing to detect at startup. ppc64le is little-endian despite
// the name sharing a prefix with ppc64; it is excluded from the big-endian
// build tag below and picked up here.
const hostLittleEndian = true
