/*
Package sbinspect documents the sbinspect module.

This module is CLI-first and ships the sbinspect command:

	go install github.com/nuetzliches/sbinspect/cmd/sbinspect@latest

Most implementation packages in this repository are internal and are not a
stable public Go API.
*/
package sbinspect
