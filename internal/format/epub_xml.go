package format

import (
	"fmt"
	"strings"
)

const containerXML = `<?xml version="1.0" encoding="UTF-8"?>
<container version="1.0" xmlns="urn:oasis:names:tc:opendocument:xmlns:container">
  <rootfiles>
    <rootfile full-path="OEBPS/content.opf" media-type="application/oebps-package+xml"/>
  </rootfiles>
</container>`

const stylesheet = `body {
  font-family: serif;
  line-height: 1.6;
  margin: 1em;
}

h1 {
  font-size: 1.5em;
  text-align: center;
  margin: 1.5em 0 1em;
}

p {
  margin: 0.5em 0;
  text-indent: 2em;
}

p.image, p.missing, .front-matter p {
  text-indent: 0;
  text-align: center;
}

p.missing {
  color: #888;
  font-style: italic;
}

img {
  max-width: 100%;
}
`

func (s *epubSession) xhtmlHead(title, cssHref string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE html>
<html xmlns="http://www.w3.org/1999/xhtml" xmlns:epub="http://www.idpf.org/2007/ops" lang="%[1]s" xml:lang="%[1]s">
<head>
  <title>%[2]s</title>
  <link rel="stylesheet" type="text/css" href="%[3]s"/>
</head>
`, s.format.Language, escapeXML(title), cssHref)
}

func (s *epubSession) chapterXHTML(title, body string) string {
	var sb strings.Builder
	sb.WriteString(s.xhtmlHead(title, "../styles/style.css"))
	sb.WriteString("<body>\n<section epub:type=\"chapter\">\n")
	fmt.Fprintf(&sb, "<h1>%s</h1>\n", escapeXML(title))
	sb.WriteString(body)
	sb.WriteString("</section>\n</body>\n</html>\n")
	return sb.String()
}

func (s *epubSession) frontMatterXHTML(coverHref string) string {
	var sb strings.Builder
	sb.WriteString(s.xhtmlHead(s.desc.Title, "styles/style.css"))
	sb.WriteString("<body class=\"front-matter\">\n")
	if coverHref != "" {
		fmt.Fprintf(&sb, "<p class=\"image\"><img src=\"%s\" alt=\"cover\"/></p>\n", coverHref)
	}
	fmt.Fprintf(&sb, "<h1>%s</h1>\n<p>%s</p>\n", escapeXML(s.desc.Title), escapeXML(s.desc.Author))
	for _, para := range strings.Split(s.desc.Introduction, "\n") {
		if strings.TrimSpace(para) != "" {
			fmt.Fprintf(&sb, "<p>%s</p>\n", escapeXML(strings.TrimSpace(para)))
		}
	}
	sb.WriteString("</body>\n</html>\n")
	return sb.String()
}

func (s *epubSession) packageDocument() string {
	var sb strings.Builder
	sb.WriteString(`<?xml version="1.0" encoding="UTF-8"?>
<package xmlns="http://www.idpf.org/2007/opf" version="3.0" unique-identifier="pub-id">
  <metadata xmlns:dc="http://purl.org/dc/elements/1.1/">
`)
	fmt.Fprintf(&sb, "    <dc:identifier id=\"pub-id\">%s</dc:identifier>\n", s.id)
	fmt.Fprintf(&sb, "    <dc:title>%s</dc:title>\n", escapeXML(s.desc.Title))
	fmt.Fprintf(&sb, "    <dc:creator>%s</dc:creator>\n", escapeXML(s.desc.Author))
	fmt.Fprintf(&sb, "    <dc:language>%s</dc:language>\n", s.format.Language)
	if s.desc.Introduction != "" {
		fmt.Fprintf(&sb, "    <dc:description>%s</dc:description>\n", escapeXML(s.desc.Introduction))
	}
	fmt.Fprintf(&sb, "    <meta property=\"dcterms:modified\">%s</meta>\n",
		s.format.Now().UTC().Format("2006-01-02T15:04:05Z"))
	sb.WriteString("  </metadata>\n  <manifest>\n")
	sb.WriteString("    <item id=\"nav\" href=\"nav.xhtml\" media-type=\"application/xhtml+xml\" properties=\"nav\"/>\n")
	sb.WriteString("    <item id=\"ncx\" href=\"toc.ncx\" media-type=\"application/x-dtbncx+xml\"/>\n")
	for _, item := range s.items {
		props := ""
		if item.props != "" {
			props = fmt.Sprintf(" properties=\"%s\"", item.props)
		}
		fmt.Fprintf(&sb, "    <item id=\"%s\" href=\"%s\" media-type=\"%s\"%s/>\n", item.id, item.href, item.mediaType, props)
	}
	sb.WriteString("  </manifest>\n  <spine toc=\"ncx\">\n")
	for _, item := range s.spineItems() {
		fmt.Fprintf(&sb, "    <itemref idref=\"%s\"/>\n", item.id)
	}
	sb.WriteString("  </spine>\n</package>\n")
	return sb.String()
}

func (s *epubSession) navigationXHTML() string {
	var sb strings.Builder
	sb.WriteString(s.xhtmlHead("Table of Contents", "styles/style.css"))
	sb.WriteString("<body>\n  <nav epub:type=\"toc\" id=\"toc\">\n    <h1>Table of Contents</h1>\n    <ol>\n")
	for _, item := range s.spineItems() {
		fmt.Fprintf(&sb, "      <li><a href=\"%s\">%s</a></li>\n", item.href, escapeXML(item.title))
	}
	sb.WriteString("    </ol>\n  </nav>\n</body>\n</html>\n")
	return sb.String()
}

func (s *epubSession) ncx() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, `<?xml version="1.0" encoding="UTF-8"?>
<ncx xmlns="http://www.daisy.org/z3986/2005/ncx/" version="2005-1">
  <head>
    <meta name="dtb:uid" content="%s"/>
    <meta name="dtb:depth" content="1"/>
  </head>
  <docTitle><text>%s</text></docTitle>
  <navMap>
`, s.id, escapeXML(s.desc.Title))
	for i, item := range s.spineItems() {
		fmt.Fprintf(&sb, "    <navPoint id=\"navpoint-%d\" playOrder=\"%d\">\n", i+1, i+1)
		fmt.Fprintf(&sb, "      <navLabel><text>%s</text></navLabel>\n", escapeXML(item.title))
		fmt.Fprintf(&sb, "      <content src=\"%s\"/>\n", item.href)
		sb.WriteString("    </navPoint>\n")
	}
	sb.WriteString("  </navMap>\n</ncx>\n")
	return sb.String()
}

var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	"\"", "&quot;",
	"'", "&apos;",
)

func escapeXML(s string) string {
	return xmlEscaper.Replace(s)
}
