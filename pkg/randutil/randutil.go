// Package randutil implements random utilities.
package randutil

import (
	"encoding/hex"
	"math/rand"
	"time"
)

const ll = "0123456789abcdefghijklmnopqrstuvwxyz"

func String(n int) string {
	b := make([]byte, n)
	for i := range b {
		rand.Seed(time.Now().UnixNano())
		b[i] = ll[rand.Intn(len(ll))]
	}

	rand.Seed(time.Now().UnixNano())
	pfx := randoms[rand.Intn(len(randoms))]
	s := pfx + string(b)
	if len(s) > n {
		s = s[:n]
	}

	return s
}

func Bytes(n int) []byte {
	return []byte(String(n))
}

// openssl rand -hex 32
func Hex(n int) string {
	return hex.EncodeToString(Bytes(n))
}

var randoms = []string{
	"caption",
	"anchor",
	"token",
	"query",
	"visual",
	"decode",
	"ground",
	"detect",
	"tensor",
	"vision",
	"sunny",
	"original",
	"dream",
	"whole",
	"flow",
	"cherry",
	"grand",
	"tree",
	"frost",
	"deluxe",
	"superb",
	"morning",
	"sparkling",
	"wandering",
	"summertime",
	"butterfly",
	"boldly",
	"green",
	"river",
	"breeze",
	"hiking",
	"proud",
	"great",
	"mochi",
	"floral",
	"spectacular",
	"dune",
	"modern",
	"delight",
	"lively",
	"forte",
	"waterfall",
	"embark",
	"flower",
	"roadtrip",
	"atlas",
	"grass",
	"haze",
	"spotlight",
	"glacial",
	"mountain",
	"snowflake",
	"misty",
	"summer",
	"good",
	"icy",
	"coffee",
	"awesome",
	"spring",
	"twilight",
	"blue",
	"coral",
	"everest",
	"galaxy",
	"hello",
	"wind",
	"watermelon",
	"sea",
	"ocean",
	"sunrise",
	"waterfront",
	"magnificent",
	"exclusive",
	"tropical",
	"sunset",
	"dynamic",
	"forest",
	"impressive",
	"inventive",
	"brazil",
	"milan",
	"cloud",
	"sound",
	"sky",
	"surf",
	"island",
	"water",
	"wildflower",
	"wave",
	"charisma",
	"amber",
	"oscar",
	"integrity",
	"frosty",
	"paper",
	"star",
	"onion",
	"linux",
	"hawaii",
	"otter",
	"epoch",
	"pixel",
	"prompt",
	"flickr",
	"beam",
	"patch",
	"stride",
	"logit",
	"corpus",
	"mosaic",
}
