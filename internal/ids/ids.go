// Package ids mints the short opaque identifiers used for users, rooms,
// chat messages, queue items, and suggestions.
package ids

import gonanoid "github.com/matoous/go-nanoid/v2"

// Length is the fixed width of every opaque ID this service hands out.
const Length = 12

// alphabet avoids visually ambiguous characters (0/O, 1/l/I) while staying
// large enough that collisions within one process lifetime are negligible.
const alphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

// New mints a fresh 12-character opaque ID. Panics only if the process is
// out of entropy, which go-nanoid treats as unrecoverable.
func New() string {
	id, err := gonanoid.Generate(alphabet, Length)
	if err != nil {
		panic("ids: failed to generate id: " + err.Error())
	}
	return id
}
