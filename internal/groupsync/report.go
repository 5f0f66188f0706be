package groupsync

import "fmt"

// Report counts what one synchronization pass changed
type Report struct {
	Created   int
	Adopted   int
	Renamed   int
	Recreated int
	Deleted   int
	// Failures are remote or local mutations that were skipped and retried on the next pass
	Failures int
}

// Mutations is the number of changes applied; zero once local and remote state agree
func (r *Report) Mutations() int {
	return r.Created + r.Adopted + r.Renamed + r.Recreated + r.Deleted
}

func (r *Report) String() string {
	return fmt.Sprintf("created=%d adopted=%d renamed=%d recreated=%d deleted=%d failures=%d",
		r.Created, r.Adopted, r.Renamed, r.Recreated, r.Deleted, r.Failures)
}
