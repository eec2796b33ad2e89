// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package mongocrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/NoahStapp/libmongocrypt/internal/merr"
)

// keyMaterialLen is the length of the raw key-material buffer a data key
// decrypts to; it is never smaller than what AEAD needs to derive both a
// MAC subkey and an AES subkey.
const keyMaterialLen = 96

// AEAD is the out-of-scope symmetric crypto primitive collaborator (spec
// §1): authenticated encryption over a key-material buffer, producing a
// ciphertext whose length the caller can compute in advance. The core
// never implements a novel cipher of its own; CryptoFacade adapts this
// interface for the context state machine's finalize step.
type AEAD interface {
	// Encrypt authenticated-encrypts plaintext under keyMaterial. iv may be
	// nil to request a randomly generated IV (Random algorithm); a non-nil
	// iv must be exactly 16 bytes (Deterministic algorithm).
	Encrypt(keyMaterial, plaintext, iv []byte) (ciphertext []byte, err error)
	// Decrypt authenticated-decrypts ciphertext under keyMaterial.
	Decrypt(keyMaterial, ciphertext []byte) (plaintext []byte, err error)
}

// CryptoFacade is the thin adapter the context state machine calls through;
// it exists so tests can substitute a fake AEAD without touching the state
// machine itself.
type CryptoFacade struct {
	AEAD AEAD
}

// NewCryptoFacade returns a CryptoFacade backed by DefaultAEAD.
func NewCryptoFacade() *CryptoFacade {
	return &CryptoFacade{AEAD: DefaultAEAD{}}
}

// DefaultAEAD implements AEAD as AES-256-CBC with an HMAC-SHA-512 tag
// truncated to 32 bytes, deriving the two subkeys from the key-material
// buffer via HKDF-SHA-512 (AEAD_AES_256_CBC_HMAC_SHA_512's broad shape).
type DefaultAEAD struct{}

const (
	macKeyLen = 32
	encKeyLen = 32
	tagLen    = 32
	ivLen     = 16
)

func subkeys(keyMaterial []byte) (macKey, encKey []byte, err error) {
	if len(keyMaterial) < keyMaterialLen {
		return nil, nil, merr.New(merr.Crypto, "key material too short")
	}

	kdf := hkdf.New(sha512.New, keyMaterial, nil, []byte("libmongocrypt AEAD subkeys"))
	out := make([]byte, macKeyLen+encKeyLen)
	if _, err := io.ReadFull(kdf, out); err != nil {
		return nil, nil, merr.Wrap(merr.Crypto, "failed to derive subkeys", err)
	}
	return out[:macKeyLen], out[macKeyLen:], nil
}

// Encrypt implements AEAD.
func (DefaultAEAD) Encrypt(keyMaterial, plaintext, iv []byte) ([]byte, error) {
	macKey, encKey, err := subkeys(keyMaterial)
	if err != nil {
		return nil, err
	}

	if iv == nil {
		iv = make([]byte, ivLen)
		if _, err := rand.Read(iv); err != nil {
			return nil, merr.Wrap(merr.Crypto, "failed to generate iv", err)
		}
	}
	if len(iv) != ivLen {
		return nil, merr.New(merr.Crypto, "iv must be 16 bytes")
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, merr.Wrap(merr.Crypto, "failed to construct cipher", err)
	}

	padded := pkcs7Pad(plaintext, block.BlockSize())
	encrypted := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(encrypted, padded)

	body := append(append([]byte{}, iv...), encrypted...)
	tag := tagOf(macKey, body)
	return append(body, tag...), nil
}

// Decrypt implements AEAD.
func (DefaultAEAD) Decrypt(keyMaterial, ciphertext []byte) ([]byte, error) {
	macKey, encKey, err := subkeys(keyMaterial)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < ivLen+tagLen {
		return nil, merr.New(merr.Crypto, "ciphertext too short")
	}

	body := ciphertext[:len(ciphertext)-tagLen]
	gotTag := ciphertext[len(ciphertext)-tagLen:]
	wantTag := tagOf(macKey, body)
	if !hmac.Equal(gotTag, wantTag) {
		return nil, merr.New(merr.Crypto, "authentication failed")
	}

	iv := body[:ivLen]
	encrypted := body[ivLen:]
	if len(encrypted)%aes.BlockSize != 0 {
		return nil, merr.New(merr.Crypto, "ciphertext is not a multiple of the block size")
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, merr.Wrap(merr.Crypto, "failed to construct cipher", err)
	}

	decrypted := make([]byte, len(encrypted))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(decrypted, encrypted)
	return pkcs7Unpad(decrypted)
}

func tagOf(macKey, body []byte) []byte {
	mac := hmac.New(sha512.New, macKey)
	mac.Write(body)
	return mac.Sum(nil)[:tagLen]
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, merr.New(merr.Crypto, "cannot unpad empty data")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) {
		return nil, merr.New(merr.Crypto, "invalid padding")
	}
	return data[:len(data)-padLen], nil
}
