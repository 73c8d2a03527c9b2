package hashes

import (
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"hash"
	"sync"

	"github.com/c0mm4nd/go-ripemd"
	"github.com/ddulesov/gogost/gost28147"
	"github.com/ddulesov/gogost/gost341194"
	"github.com/ddulesov/gogost/gost34112012256"
	"github.com/ddulesov/gogost/gost34112012512"
	"github.com/emmansun/gmsm/sm3"
	md5simd "github.com/minio/md5-simd"
	sha256simd "github.com/minio/sha256-simd"
	"github.com/pedroalbanese/whirlpool"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/md4"
	"golang.org/x/crypto/ripemd160"
	"golang.org/x/crypto/sha3"
)

// stdAlgorithm adapts any hash.Hash constructor.
type stdAlgorithm struct {
	name    string
	size    int
	newHash func() hash.Hash
}

func (a stdAlgorithm) Name() string  { return a.name }
func (a stdAlgorithm) Size() int     { return a.size }
func (a stdAlgorithm) New() Digester { return nopCloser{a.newHash()} }

type nopCloser struct{ hash.Hash }

func (nopCloser) Close() error { return nil }

// md5 runs on the md5-simd server, which multiplexes concurrent hashes
// over SIMD lanes. A lane is held until Close.
type md5Algorithm struct{}

var (
	md5Once   sync.Once
	md5Server md5simd.Server
)

func getMD5Server() md5simd.Server {
	md5Once.Do(func() { md5Server = md5simd.NewServer() })
	return md5Server
}

func (md5Algorithm) Name() string { return "md5" }
func (md5Algorithm) Size() int    { return 16 }
func (md5Algorithm) New() Digester {
	return &md5Digester{Hasher: getMD5Server().NewHash()}
}

type md5Digester struct {
	md5simd.Hasher
	closeOnce sync.Once
}

func (d *md5Digester) Close() error {
	d.closeOnce.Do(func() { d.Hasher.Close() })
	return nil
}

// SHAKE is an XOF; the registry pins it to a fixed output length.
type shakeAlgorithm struct {
	name string
	size int
	rate int
	new  func() sha3.ShakeHash
}

func (a shakeAlgorithm) Name() string { return a.name }
func (a shakeAlgorithm) Size() int    { return a.size }
func (a shakeAlgorithm) New() Digester {
	return &shakeDigester{h: a.new(), size: a.size, rate: a.rate}
}

type shakeDigester struct {
	h    sha3.ShakeHash
	size int
	rate int
}

func (s *shakeDigester) Write(p []byte) (int, error) { return s.h.Write(p) }

// Sum squeezes a clone so the running state stays writable.
func (s *shakeDigester) Sum(b []byte) []byte {
	out := make([]byte, s.size)
	_, _ = s.h.Clone().Read(out)
	return append(b, out...)
}

func (s *shakeDigester) Reset()         { s.h.Reset() }
func (s *shakeDigester) Size() int      { return s.size }
func (s *shakeDigester) BlockSize() int { return s.rate }
func (s *shakeDigester) Close() error   { return nil }

func mustKeyless(h hash.Hash, err error) hash.Hash {
	if err != nil {
		// Only reachable with an invalid key; every caller passes nil.
		panic("hashes: keyless constructor failed: " + err.Error())
	}
	return h
}

func init() {
	Register(md5Algorithm{})
	Register(stdAlgorithm{"sha1", sha1.Size, sha1.New})
	Register(stdAlgorithm{"sha224", sha256.Size224, sha256.New224})
	Register(stdAlgorithm{"sha256", sha256simd.Size, sha256simd.New})
	Register(stdAlgorithm{"sha384", sha512.Size384, sha512.New384})
	Register(stdAlgorithm{"sha512", sha512.Size, sha512.New})
	Register(stdAlgorithm{"sha512-256", sha512.Size256, sha512.New512_256})

	Register(stdAlgorithm{"sha3-224", 28, sha3.New224})
	Register(stdAlgorithm{"sha3-256", 32, sha3.New256})
	Register(stdAlgorithm{"sha3-384", 48, sha3.New384})
	Register(stdAlgorithm{"sha3-512", 64, sha3.New512})
	Register(stdAlgorithm{"keccak-256", 32, sha3.NewLegacyKeccak256})
	Register(shakeAlgorithm{"shake128", 32, 168, sha3.NewShake128})
	Register(shakeAlgorithm{"shake256", 64, 136, sha3.NewShake256})

	Register(stdAlgorithm{"blake2b-256", blake2b.Size256, func() hash.Hash { return mustKeyless(blake2b.New256(nil)) }})
	Register(stdAlgorithm{"blake2b-512", blake2b.Size, func() hash.Hash { return mustKeyless(blake2b.New512(nil)) }})
	Register(stdAlgorithm{"blake2s-256", blake2s.Size, func() hash.Hash { return mustKeyless(blake2s.New256(nil)) }})
	Register(stdAlgorithm{"blake3", 32, func() hash.Hash { return blake3.New() }})

	Register(stdAlgorithm{"md4", md4.Size, md4.New})
	Register(stdAlgorithm{"ripemd160", ripemd160.Size, ripemd160.New})
	Register(stdAlgorithm{"ripemd320", 40, ripemd.New320})
	Register(stdAlgorithm{"whirlpool", 64, whirlpool.New})
	Register(stdAlgorithm{"sm3", 32, sm3.New})

	Register(stdAlgorithm{"streebog-256", 32, func() hash.Hash { return gost34112012256.New() }})
	Register(stdAlgorithm{"streebog-512", 64, func() hash.Hash { return gost34112012512.New() }})
	Register(stdAlgorithm{"gost94", 32, func() hash.Hash {
		return gost341194.New(&gost28147.SboxIdGostR341194TestParamSet)
	}})
}
