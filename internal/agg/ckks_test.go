package agg

import "testing"

// decrypt(sum(add_plain(encrypt(v), w)))[0] must approximate Σ (v_i + w_i).
func TestHomomorphicRoundTrip(t *testing.T) {
	ctx, err := NewContext()
	if err != nil {
		t.Fatal(err)
	}

	v := []float64{100, 200}
	w := []float64{10, 20}

	ct, err := ctx.EncryptVector(v)
	if err != nil {
		t.Fatal(err)
	}
	ct, err = ctx.AddPlain(ct, w)
	if err != nil {
		t.Fatal(err)
	}

	summed, err := ctx.Sum(ct, len(v))
	if err != nil {
		t.Fatal(err)
	}

	got, err := ctx.DecryptSlot0(summed)
	if err != nil {
		t.Fatal(err)
	}

	want := (v[0] + w[0]) + (v[1] + w[1])
	if !WithinTolerance(got, want) {
		t.Fatalf("decrypted sum = %v, want ~%v", got, want)
	}
}

// decrypt(sum(mul_plain_mask(encrypt(v), m)))[0] must approximate Σ v_i·m_i.
func TestSumCorrectness(t *testing.T) {
	ctx, err := NewContext()
	if err != nil {
		t.Fatal(err)
	}

	v := []float64{10, 20, 30, 40}
	mask := []float64{1, 0, 1, 0}

	ct, err := ctx.EncryptVector(v)
	if err != nil {
		t.Fatal(err)
	}
	masked, err := ctx.MulPlainMask(ct, mask)
	if err != nil {
		t.Fatal(err)
	}
	summed, err := ctx.Sum(masked, len(v))
	if err != nil {
		t.Fatal(err)
	}

	got, err := ctx.DecryptSlot0(summed)
	if err != nil {
		t.Fatal(err)
	}

	want := v[0] + v[2] // 40
	if !WithinTolerance(got, want) {
		t.Fatalf("decrypted masked sum = %v, want ~%v", got, want)
	}
}

// B must be able to operate on ciphertexts using only the public context,
// and must not be able to decrypt with it.
func TestContextRoundTrip(t *testing.T) {
	ctx, err := NewContext()
	if err != nil {
		t.Fatal(err)
	}

	publicBytes, err := SerializeContextPublic(ctx)
	if err != nil {
		t.Fatal(err)
	}
	bSide, err := DeserializeContext(publicBytes)
	if err != nil {
		t.Fatal(err)
	}
	if bSide.Sk != nil {
		t.Fatal("public context must not carry the secret key")
	}

	ct, err := ctx.EncryptVector([]float64{5, 6})
	if err != nil {
		t.Fatal(err)
	}
	ctBytes, err := SerializeCiphertext(ct)
	if err != nil {
		t.Fatal(err)
	}
	ctOnB, err := DeserializeCiphertext(ctBytes)
	if err != nil {
		t.Fatal(err)
	}

	added, err := bSide.AddPlain(ctOnB, []float64{1, 1})
	if err != nil {
		t.Fatal(err)
	}

	// Only A (holder of the secret key) can decrypt.
	got, err := ctx.DecryptSlot0(added)
	if err != nil {
		t.Fatal(err)
	}
	if !WithinTolerance(got, 6) {
		t.Fatalf("decrypted slot0 = %v, want ~6", got)
	}

	if _, err := bSide.DecryptSlot0(added); err == nil {
		t.Fatal("B's context must not be able to decrypt")
	}
}

func TestRound(t *testing.T) {
	if Round(329.6, true) != 330 {
		t.Fatal("integral rounding failed")
	}
	if Round(1.2345, false) != 1.23 {
		t.Fatal("2-decimal rounding failed")
	}
}
