// Code generated by statik. DO NOT EDIT.

package statik

import (
	"github.com/rakyll/statik/fs"
)

func init() {
	data := "PK\x03\x04\x14\x00\x08\x00\x08\x00\xb6\xbe\x1e]\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\n\x00	\x00index.htmlUT\x05\x00\x01\x88\xc2\x94jD\x8fAK\xc50\x0c\xc7\xef\xfb\x14\xf1\x9d\xd5\xf0n\x1ebA\xf4\xe1q\x03w\xf1\xd8\xad\x99\xadt\xedlSe\x88\xdf]h\x95\x9dB\xfe\xbf_BBWO\xfd\xe3\xf8:\\\xc0\xca\xeaUG\xff\x85\xb5Q\x1d\x00\xad,\x1af\xabSf\xb9?\x15Yn\xeeN\x15\x88\x13\xcf*\xf1\x16\x93\x18\xc2\xd6v\x84m\x92\xa6h\xf6\xea\xd9\xf3!\xd9s\x8d6\xf5\x90\xf70C\xcb\xe1\x8d\x03'-.\x06\xc8\x9c>\xdd\xcc\xb7\x84\xdb\x9f9\xf4/#`33H\x04\x0e\x1f\x85\x0b\x83\x86\xf78]\xc3\xf3\xe5\xc0\xf8\xed\xcc\x0ff\xd1R\xaa\xbaD\xef\xe3\x178i\xfb\x08\xdbQ\x84\xed\xc9\xdf\x00\x00\x00\xff\xffPK\x07\x08\x12x$\xd2\xb0\x00\x00\x00\xfc\x00\x00\x00PK\x01\x02\x14\x03\x14\x00\x08\x00\x08\x00\xb6\xbe\x1e]\x12x$\xd2\xb0\x00\x00\x00\xfc\x00\x00\x00\n\x00	\x00\x00\x00\x00\x00\x00\x00\x00\x00\xa4\x81\x00\x00\x00\x00index.htmlUT\x05\x00\x01\x88\xc2\x94jPK\x05\x06\x00\x00\x00\x00\x01\x00\x01\x00A\x00\x00\x00\xf1\x00\x00\x00\x00\x00"
	fs.Register(data)
}
