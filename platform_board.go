//go:build !sdspi_emulated

package sdspi

const defaultPlatform = PlatformBoard
