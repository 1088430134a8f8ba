// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package extsort provides an ascending, stable, numeric external sort over
// (value, payload) pairs, used by internal/dist to compute percentiles
// without holding an entire column's values in memory, and by
// internal/evaluator to aggregate scored sites in ascending score order.
//
// Records accumulate in an in-memory batch; once the batch is full it is
// sorted and flushed to a snappy-compressed temp shard, and the shards
// are merged with a github.com/biogo/store/llrb tree keyed on the next
// unread record of each shard. This avoids shelling out to a real sort
// binary while keeping memory bounded regardless of input size.
package extsort

import (
	"bufio"
	"encoding/binary"
	"io"
	"io/ioutil"
	"math"
	"os"
	"sort"

	"github.com/biogo/store/llrb"
	"github.com/golang/snappy"
	"github.com/grailbio/base/errors"
)

// Record is one (value, payload) pair being sorted. Payload is an opaque
// side channel (e.g. a "is this a good site" flag, or an encoded class and
// position) carried along with the sort key but not used for ordering.
type Record struct {
	Value   float64
	Payload []byte
}

// DefaultBatchSize is the number of records kept in memory before a shard is
// spilled to disk.
const DefaultBatchSize = 1 << 18

// Sorter accumulates records and produces them back in ascending order of
// Value. The zero value is not usable; use NewSorter.
type Sorter struct {
	batchSize int
	tmpDir    string
	batch     []Record
	shardPaths []string
}

// NewSorter returns a Sorter that spills to tmpDir (os.TempDir() if empty)
// after batchSize records (DefaultBatchSize if <= 0).
func NewSorter(tmpDir string, batchSize int) *Sorter {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Sorter{batchSize: batchSize, tmpDir: tmpDir}
}

// Add appends one record. payload may be nil.
func (s *Sorter) Add(value float64, payload []byte) error {
	var cp []byte
	if len(payload) > 0 {
		cp = append([]byte(nil), payload...)
	}
	s.batch = append(s.batch, Record{Value: value, Payload: cp})
	if len(s.batch) >= s.batchSize {
		return s.spill()
	}
	return nil
}

func (s *Sorter) spill() error {
	sort.SliceStable(s.batch, func(i, j int) bool { return s.batch[i].Value < s.batch[j].Value })
	f, err := ioutil.TempFile(s.tmpDir, "extsort-shard-")
	if err != nil {
		return errors.E(err, "extsort: creating shard file")
	}
	path := f.Name()
	zw := snappy.NewBufferedWriter(f)
	head := make([]byte, 12)
	for _, r := range s.batch {
		binary.LittleEndian.PutUint64(head[0:8], math.Float64bits(r.Value))
		binary.LittleEndian.PutUint32(head[8:12], uint32(len(r.Payload)))
		if _, err := zw.Write(head); err != nil {
			f.Close()
			os.Remove(path)
			return errors.E(err, "extsort: writing shard", path)
		}
		if len(r.Payload) > 0 {
			if _, err := zw.Write(r.Payload); err != nil {
				f.Close()
				os.Remove(path)
				return errors.E(err, "extsort: writing shard", path)
			}
		}
	}
	if err := zw.Close(); err != nil {
		f.Close()
		os.Remove(path)
		return errors.E(err, "extsort: closing shard writer", path)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return errors.E(err, "extsort: closing shard file", path)
	}
	s.shardPaths = append(s.shardPaths, path)
	s.batch = s.batch[:0]
	return nil
}

// shardReader streams decoded Records from one spilled shard in ascending
// order (each shard was sorted before being written).
type shardReader struct {
	path string
	f    *os.File
	zr   *snappy.Reader
	br   *bufio.Reader
	cur  Record
	done bool
}

func openShardReader(path string) (*shardReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.E(err, "extsort: opening shard", path)
	}
	zr := snappy.NewReader(f)
	return &shardReader{path: path, f: f, zr: zr, br: bufio.NewReader(zr)}, nil
}

// advance reads the next record into r.cur, setting r.done at EOF.
func (r *shardReader) advance() error {
	var head [12]byte
	if _, err := io.ReadFull(r.br, head[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			r.done = true
			return nil
		}
		return errors.E(err, "extsort: reading shard", r.path)
	}
	plen := binary.LittleEndian.Uint32(head[8:12])
	var payload []byte
	if plen > 0 {
		payload = make([]byte, plen)
		if _, err := io.ReadFull(r.br, payload); err != nil {
			return errors.E(err, "extsort: reading shard payload", r.path)
		}
	}
	r.cur = Record{
		Value:   math.Float64frombits(binary.LittleEndian.Uint64(head[0:8])),
		Payload: payload,
	}
	return nil
}

func (r *shardReader) close() error {
	return r.f.Close()
}

// mergeNode adapts a shardReader into an llrb.Comparable so a tree of shard
// heads can always report the globally-next record in O(log n) per step.
type mergeNode struct {
	reader *shardReader
	seq    int // tie-breaker for equal values, preserves stability across shards
}

func (n *mergeNode) Compare(other llrb.Comparable) int {
	o := other.(*mergeNode)
	if n.reader.cur.Value < o.reader.cur.Value {
		return -1
	}
	if n.reader.cur.Value > o.reader.cur.Value {
		return 1
	}
	return n.seq - o.seq
}

// Finish flushes any remaining in-memory batch and returns an iterator
// function that yields records in ascending order until it returns
// ok == false. The caller must call the returned close function when done
// (even on error) to release shard file handles and remove the shards.
func (s *Sorter) Finish() (next func() (Record, bool, error), closeFn func(), err error) {
	if err := s.spill(); err != nil {
		return nil, func() {}, err
	}
	readers := make([]*shardReader, 0, len(s.shardPaths))
	closeAll := func() {
		for _, r := range readers {
			r.close()
		}
		for _, p := range s.shardPaths {
			os.Remove(p)
		}
	}
	tree := &llrb.Tree{}
	for i, p := range s.shardPaths {
		r, err := openShardReader(p)
		if err != nil {
			closeAll()
			return nil, func() {}, err
		}
		if err := r.advance(); err != nil {
			closeAll()
			return nil, func() {}, err
		}
		readers = append(readers, r)
		if !r.done {
			tree.Insert(&mergeNode{reader: r, seq: i})
		}
	}

	next = func() (Record, bool, error) {
		min := tree.Min()
		if min == nil {
			return Record{}, false, nil
		}
		node := min.(*mergeNode)
		rec := node.reader.cur
		tree.DeleteMin()
		if err := node.reader.advance(); err != nil {
			return Record{}, false, err
		}
		if !node.reader.done {
			tree.Insert(node)
		}
		return rec, true, nil
	}
	return next, closeAll, nil
}
