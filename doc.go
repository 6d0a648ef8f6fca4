// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package thermochron is a container for 1-wire bus masters and the DS1921
// Thermochron datalogger driver built on top of them.
package thermochron
