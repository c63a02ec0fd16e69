package core

// DBOrdering is a single ORDER BY term, storage-engine agnostic. Repositories
// translate it into their own query syntax.
type DBOrdering struct {
	Field     string
	Ascending bool
}

func (ord DBOrdering) String() string {
	direction := "DESC"
	if ord.Ascending {
		direction = "ASC"
	}
	return ord.Field + " " + direction
}
