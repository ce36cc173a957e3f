package rules

// builtinRules is the static classification table. Priority descending;
// ties between a built-in and a loaded rule keep the built-in first.
var builtinRules = []Rule{
	NewRule("販売促進費", 120,
		"NFCタグ", "NFC tag",
	),
	NewRule("車両費", 110,
		"EneJet", "ENEOS", "apollo station", "アポロステーション", "COSMO",
		"ガソリン", "レギュラー", "軽油", "洗車", "駐車", "駐車料金",
		"パーキング", "リパーク", "カープレミア",
	),
	NewRule("旅費交通費", 100,
		"ETC", "NEXCO", "高速料金", "通行料金", "地下鉄", "タクシー",
		"Goタクシー", "北都交通", "レンタカー", "航空券", "AIRDO",
		"エアドゥ", "宿泊", "ホテル", "楽天トラベル",
	),
	NewRule("会議費", 95,
		"BizSpot", "BizSPOT", "アクセアカフェ", "3時間パック",
		"チェックイン利用料", "カフェ利用料", "コワーキング", "会議室利用",
		"打合せスペース",
	),
	NewRule("通信費", 90,
		"ChatGPT", "OpenAI", "Gemini", "Google AI Pro", "Google One",
		"YouTube Premium", "Youtube", "YouTube", "Google Play", "Vercel",
		"レンタルサーバー", "ドメイン", "DNS", "お名前ドットコム",
		"ヤフージャパン",
	),
	NewRule("接待交際費", 80,
		"LINEギフト", "ラインギフト", "LINEEC", "LINE EC", "LINE　EC",
		"Wolt", "スシロー", "はま寿司", "サイゼリヤ", "ケンタッキー",
		"びっくりドンキー", "串鳥", "しゃぶしゃぶ", "東京カルビ",
		"mister Donut", "ミスド", "洋菓子", "たい焼き", "キャラメルサンド",
		"手土産",
	),
	NewRule("消耗品費", 70,
		"名刺", "Canva名刺", "イヤホン", "WiFiルーター", "ルーター", "DCM",
		"JoyfulAK", "ニトリ", "ユニクロ", "マウス", "Logitech", "周辺機器",
		"Kindle",
	),
	NewRule("水道光熱費", 60,
		"ソフトバンクでんき", "北海道ガス", "ホッカイドウガス", "電気",
		"ガス", "水道", "富士山の名水",
	),
	NewRule("新聞図書費", 50,
		"くまざわ書店", "コーチャンフォー", "過去問題集", "児童書", "決算書",
		"書籍", "本", "参考書",
	),
	NewRule("支払手数料", 40,
		"切手", "印紙", "法務省", "手数料",
	),
	NewRule("地代家賃", 30,
		"家賃", "賃料", "レンタルオフィス", "オフィス賃貸", "ライフカード",
	),
	NewRule("外注工賃費", 20,
		"ラコル", "Lacrou", "Lacoru", "たかおさま", "業務委託", "外注",
	),
}
