// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ds1921

import "time"

// The clock registers hold, in order: seconds, minutes, hours, day of
// week, day of month, month and year-within-century, one register each,
// encoded in BCD. The hours register carries the 24-hour mode flag in bit
// 6, the day of week is 1 based with Sunday as 1, and the month register
// carries the century flag in bit 7.

func encodeClock(t time.Time) [7]byte {
	var b [7]byte
	b[0] = bcd(t.Second())
	b[1] = bcd(t.Minute())
	b[2] = 1<<6 | bcd(t.Hour())
	b[3] = byte(t.Weekday()) + 1
	b[4] = bcd(t.Day())
	b[5] = 1<<7 | bcd(int(t.Month()))
	b[6] = bcd(t.Year() % 100)
	return b
}

func decodeClock(b [7]byte) time.Time {
	sec := unbcd(b[0] & 0x7f)
	min := unbcd(b[1] & 0x7f)
	hour := unbcd(b[2] & 0x3f)
	day := unbcd(b[4] & 0x3f)
	month := time.Month(unbcd(b[5] & 0x1f))
	year := 2000 + unbcd(b[6])
	return time.Date(year, month, day, hour, min, sec, 0, time.Local)
}

func bcd(v int) byte {
	return byte(v/10)<<4 | byte(v%10)
}

func unbcd(b byte) int {
	return int(b>>4)*10 + int(b&0x0f)
}
