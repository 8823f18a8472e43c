package magicsig

import (
	"crypto/rsa"
	"errors"
	"math/big"
)

// privateFromExponents rebuilds a full private key from n, e and d. The
// string form carries no primes, and the CRT values need them.
func privateFromExponents(pub *rsa.PublicKey, d *big.Int) (*rsa.PrivateKey, error) {
	p, q, err := recoverPrimes(pub.N, big.NewInt(int64(pub.E)), d)
	if err != nil {
		return nil, err
	}
	priv := &rsa.PrivateKey{
		PublicKey: *pub,
		D:         d,
		Primes:    []*big.Int{p, q},
	}
	if err := priv.Validate(); err != nil {
		return nil, err
	}
	priv.Precompute()
	return priv, nil
}

// recoverPrimes factors n given a matching exponent pair: for k = de-1 = 2^t*r,
// some g^(r*2^i) is a nontrivial square root of 1 mod n, and its gcd with n
// splits the modulus.
func recoverPrimes(n, e, d *big.Int) (*big.Int, *big.Int, error) {
	one := big.NewInt(1)
	k := new(big.Int).Mul(d, e)
	k.Sub(k, one)
	if k.Sign() <= 0 || k.Bit(0) != 0 {
		return nil, nil, errors.New("private exponent does not match public exponent")
	}

	r := new(big.Int).Set(k)
	t := 0
	for r.Bit(0) == 0 {
		r.Rsh(r, 1)
		t++
	}

	nMinus1 := new(big.Int).Sub(n, one)
	for g := int64(2); g < 200; g++ {
		x := new(big.Int).Exp(big.NewInt(g), r, n)
		if x.Cmp(one) == 0 || x.Cmp(nMinus1) == 0 {
			continue
		}
		for i := 0; i < t; i++ {
			y := new(big.Int).Exp(x, big.NewInt(2), n)
			if y.Cmp(one) == 0 {
				p := new(big.Int).GCD(nil, nil, new(big.Int).Sub(x, one), n)
				if p.Cmp(one) == 0 || p.Cmp(n) == 0 {
					break
				}
				q := new(big.Int).Div(n, p)
				if p.Cmp(q) < 0 {
					p, q = q, p
				}
				return p, q, nil
			}
			if y.Cmp(nMinus1) == 0 {
				break
			}
			x = y
		}
	}
	return nil, nil, errors.New("could not factor modulus from exponents")
}
