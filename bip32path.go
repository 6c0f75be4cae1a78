package ledger

// https://github.com/obsidiansystems/ledgerjs/blob/a81e68b01e13e4539e8ef9affbeb94b0fc197893/packages/hw-app-xtz/src/Tezos.js#L160

import (
	"encoding/binary"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	HARDENED = 0x80000000

	// The device refuses deeper paths
	maxPathComponents = 10
)

var matchSection = regexp.MustCompile(`^(\d+)([hH']?)$`)

// EncodeBipPath takes a well-formatted BIP32 string path and converts it to
// the device representation: one length byte followed by every component as
// a big endian uint32.
//
// Accepted forms: "44'/1729'/0'/0'", "/44'/1729'/0'/0'" and "m/44h/1729h/0h/0h".
func EncodeBipPath(path string) ([]byte, error) {

	// https://github.com/satoshilabs/slips/blob/master/slip-0044.md
	// 44 references BIP44 policy; 1729 is Tezos 'coin'; Account and Change are remaining sections

	// Ex: /44'        /1729'      /0'         /0'
	//  04 80  00 00 2c 80  00 06 c1  80  00 00 00 80  00 00 00
	// [ 4 128  0  0 44 128  0  6 193 128  0  0  0 128  0  0  0]

	path = strings.TrimPrefix(strings.TrimSpace(path), "m")
	path = strings.Trim(path, "/")
	if path == "" {
		return nil, errors.New("Empty derivation path")
	}

	sections := strings.Split(path, "/")
	if len(sections) > maxPathComponents {
		return nil, errors.Errorf("Derivation path has %d components, at most %d allowed", len(sections), maxPathComponents)
	}

	bipPathBytes := make([]byte, 1, 1+4*len(sections))
	bipPathBytes[0] = byte(len(sections))

	for _, section := range sections {

		m := matchSection.FindStringSubmatch(section)
		if m == nil {
			return nil, errors.Errorf("Invalid path component %q", section)
		}

		// Convert the numeric part of the section
		val, err := strconv.ParseUint(m[1], 10, 32)
		if err != nil {
			return nil, errors.Wrapf(err, "Invalid path component %q", section)
		}

		if val >= HARDENED {
			return nil, errors.New("Invalid child index")
		}

		// Last character of h, H, or ' marks the section as hardened
		if m[2] != "" {
			val += HARDENED
		}

		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(val))
		bipPathBytes = append(bipPathBytes, b[:]...)
	}

	return bipPathBytes, nil
}

// Decodes a byte-slice representing a Bip32 path into a string representation.
// Does the opposite of EncodeBipPath()
func DecodeBipPath(pathBytes []byte) (string, error) {

	if len(pathBytes) == 0 {
		return "", errors.New("Invalid Bip Path Length")
	}

	// Get the number of path parts (ie: length)
	length := int(pathBytes[0])

	// 4 bytes per length + initial length byte
	if len(pathBytes) < 1+length*4 {
		return "", errors.New("Invalid Bip Path Length")
	}

	path := ""

	for i := 1; i < 1+length*4; i += 4 {

		v := binary.BigEndian.Uint32(pathBytes[i : i+4])

		h := ""
		if v&HARDENED != 0 {
			h = "'"
			v -= HARDENED
		}

		path += fmt.Sprintf("/%d%s", v, h)
	}

	return path, nil
}
