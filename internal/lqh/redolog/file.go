// Copyright 2024 The lqhd Authors
// This file is part of the lqhd library.
//
// The lqhd library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The lqhd library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the lqhd library. If not, see <http://www.gnu.org/licenses/>.

package redolog

// PrepRef locates the earliest prepare whose commit might still land in a
// given mbyte: the file+mbyte back-pointer of spec.md §3's
// last_prep_ref[mbyte].
type PrepRef struct {
	File  uint32
	Mbyte uint32
}

// FileMeta is one file's worth of the file-descriptor summary carried at
// page 0 (spec.md §3 "Log file", §6.1): three 16-entry vectors per mbyte.
type FileMeta struct {
	FileNo           uint32
	MaxGCICompleted  [MbytesPerFile]uint32
	MaxGCIStarted    [MbytesPerFile]uint32
	LastPrepRef      [MbytesPerFile]PrepRef
}

// LogFile is one file in a part's circular doubly-linked file ring. Only
// the most recent MaxLogFilesInPage0 files' FileMeta are kept resident;
// older ones are reconstructed from disk on demand during head-finding
// (spec.md §4.3).
type LogFile struct {
	FileNo   uint32
	Prev     uint32 // ring link, file number
	Next     uint32 // ring link, file number
	Meta     FileMeta
	Open     bool
}

// Ring is the fixed-size circular list of log files belonging to one part.
// Files are addressed by file number 0..NoLogFiles-1; Next/Prev wrap.
type Ring struct {
	Files      []LogFile
	NoLogFiles uint32
}

// NewRing allocates an empty ring with noFiles slots, linked circularly.
func NewRing(noFiles uint32) *Ring {
	r := &Ring{Files: make([]LogFile, noFiles), NoLogFiles: noFiles}
	for i := range r.Files {
		r.Files[i].FileNo = uint32(i)
		r.Files[i].Prev = (uint32(i) + noFiles - 1) % noFiles
		r.Files[i].Next = (uint32(i) + 1) % noFiles
	}
	return r
}

// File returns the file record for fileNo.
func (r *Ring) File(fileNo uint32) *LogFile { return &r.Files[fileNo%r.NoLogFiles] }

// NextFileNo returns the file number that follows fileNo in the ring.
func (r *Ring) NextFileNo(fileNo uint32) uint32 { return r.File(fileNo).Next }

// PrevFileNo returns the file number that precedes fileNo in the ring.
func (r *Ring) PrevFileNo(fileNo uint32) uint32 { return r.File(fileNo).Prev }
