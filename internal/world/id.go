package world

import "strconv"

// Id is a stable, densely allocated handle naming one object for its whole
// lifetime. Ids are allocated as a monotonically increasing sequence and are
// never reused within a running world. As an integer type it serializes as a
// JSON number in object fields and as a string key in Id-keyed maps.
type Id int

func (id Id) String() string {
	return "#" + strconv.Itoa(int(id))
}
