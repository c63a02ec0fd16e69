package dummydb

import (
	"sync"

	"github.com/trezcool/mahudhurio/core/attendance"
)

type (
	DB struct {
		attendance *attendanceTables
	}

	attendanceTables struct {
		sync.RWMutex
		thresholds map[string]*attendance.TermThreshold // keyed by term
		subjects   map[string]*attendance.Subject       // keyed by ID
		sessions   map[string]*attendance.ClassSession  // keyed by ID
		records    map[string]*attendance.Record        // keyed by sessionID+"/"+studentID
	}
)

func Open() (*DB, error) {
	db := &DB{
		attendance: &attendanceTables{
			thresholds: make(map[string]*attendance.TermThreshold),
			subjects:   make(map[string]*attendance.Subject),
			sessions:   make(map[string]*attendance.ClassSession),
			records:    make(map[string]*attendance.Record),
		},
	}
	return db, nil
}
